package main

import (
	"bufio"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/zsqmw/video-relay/convert"
	"github.com/zsqmw/video-relay/log"
	"github.com/zsqmw/video-relay/stream"
)

// startApiServer builds the relay's HTTP front door: the viewer
// endpoint and, when conversion is enabled, the stateless file
// conversion endpoints. Teacher pattern (api.go's startApiServer).
func startApiServer(addr string, hub *stream.Hub, cfg AppConfig) {
	r := mux.NewRouter()
	r.HandleFunc("/live", newLiveHandler(hub)).Methods(http.MethodGet)

	if cfg.Convert.TempDir != "" {
		cc := cfg.Convert.convertConfig(cfg.Relay.MaxFrameSize)
		r.HandleFunc("/api/video/convert", convert.HLSHandler(cc, cfg.Convert.KeyBaseURL)).Methods(http.MethodPost)
		r.HandleFunc("/api/video/key", convert.KeyHandler(cc)).Methods(http.MethodGet)
		r.HandleFunc("/api/video/gif", convert.GifHandler(cc)).Methods(http.MethodPost)
		r.HandleFunc("/api/convert/async-to-mp3", convert.Mp3Handler(cc)).Methods(http.MethodPost)
	}

	http.Handle("/", r)

	srv := &http.Server{
		Handler: r,
		Addr:    addr,
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 0, // the /live route streams indefinitely
		ReadTimeout:  30 * time.Second,
	}

	log.Sugar.Infof("http front door listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil {
		panic(err)
	}
}

// newLiveHandler implements GET /live?deviceId=<id>&rtspUrl=<url> per
// the front door's request/response contract: validate query
// parameters, write the chunked preamble, hand a *stream.Session to
// hub.Attach, and let the Stream's fan-out loop drive the response
// body from there.
func newLiveHandler(hub *stream.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceId := r.URL.Query().Get("deviceId")
		rtspUrl := r.URL.Query().Get("rtspUrl")

		if deviceId == "" || rtspUrl == "" {
			http.Error(w, "deviceId and rtspUrl are required", http.StatusBadRequest)
			return
		}
		if _, err := url.ParseRequestURI(rtspUrl); err != nil {
			http.Error(w, "rtspUrl must be a well-formed URI", http.StatusBadRequest)
			return
		}

		fp, err := stream.NewFingerprint(rtspUrl)
		if err != nil {
			http.Error(w, "rtspUrl must be a well-formed URI", http.StatusBadRequest)
			return
		}

		if err := hub.Admit(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		hj, ok := w.(http.Hijacker)
		if !ok {
			http.Error(w, "webserver doesn't support hijacking", http.StatusInternalServerError)
			return
		}

		conn, bufrw, err := hj.Hijack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if err := writePreamble(bufrw); err != nil {
			conn.Close()
			return
		}

		sess := stream.NewSession(conn, hub.QueueCapacity())
		log.Sugar.Infow("viewer attaching", "deviceId", deviceId, "fingerprint", fp, "session", sess.ID())

		if err := hub.Attach(fp, rtspUrl, sess); err != nil {
			log.Sugar.Warnw("attach failed", "deviceId", deviceId, "fingerprint", fp, "err", err)
			conn.Close()
			return
		}

		go func() {
			<-sess.Done()
			hub.Detach(fp, sess)
			log.Sugar.Infow("viewer detached", "deviceId", deviceId, "session", sess.ID(), "cause", sess.Cause())
		}()
	}
}

func writePreamble(bufrw *bufio.ReadWriter) error {
	headers := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: video/x-flv\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Cache-Control: no-cache\r\n" +
		"Pragma: no-cache\r\n" +
		"Accept-Ranges: bytes\r\n" +
		"Server: Video-Stream-Middleware\r\n" +
		"Connection: Keep-Alive\r\n\r\n"

	if _, err := bufrw.WriteString(headers); err != nil {
		return err
	}
	return bufrw.Flush()
}
