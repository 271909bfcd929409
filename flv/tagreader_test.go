package flv

import (
	"bytes"
	"testing"
)

// buildTag returns TagHeader+TagData+trailing PreviousTagSize for one tag.
func buildTag(kind byte, data []byte) []byte {
	tag := make([]byte, tagHeaderLen+len(data))
	tag[0] = kind
	size := len(data)
	tag[1] = byte(size >> 16)
	tag[2] = byte(size >> 8)
	tag[3] = byte(size)
	copy(tag[tagHeaderLen:], data)

	trailer := make([]byte, prevTagSizeLen)
	total := uint32(len(tag))
	trailer[0] = byte(total >> 24)
	trailer[1] = byte(total >> 16)
	trailer[2] = byte(total >> 8)
	trailer[3] = byte(total)

	return append(tag, trailer...)
}

func buildFileHeader(hasVideo, hasAudio bool) []byte {
	h := []byte{'F', 'L', 'V', 1, 0, 0, 0, 0, fileHeaderSize}
	if hasVideo {
		h[4] |= 0x01
	}
	if hasAudio {
		h[4] |= 0x04
	}
	return append(h, 0, 0, 0, 0) // initial PreviousTagSize(0)
}

func avcSeqHeaderTag() []byte {
	data := []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01, 0x64, 0x00, 0x1f}
	return buildTag(tagTypeVideo, data)
}

func avcFrameTag(frameNo byte) []byte {
	data := []byte{0x27, 0x01, 0x00, 0x00, 0x00, frameNo, frameNo, frameNo, frameNo}
	return buildTag(tagTypeVideo, data)
}

func aacSeqHeaderTag() []byte {
	return buildTag(tagTypeAudio, []byte{0xAF, 0x00, 0x12, 0x10})
}

func aacFrameTag(frameNo byte) []byte {
	return buildTag(tagTypeAudio, []byte{0xAF, 0x01, frameNo, frameNo})
}

func scriptTag() []byte {
	return buildTag(tagTypeScript, []byte("onMetaData-fixture"))
}

func TestReadHeaderVideoAndAudio(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildFileHeader(true, true))
	buf.Write(scriptTag())
	buf.Write(avcSeqHeaderTag())
	buf.Write(aacSeqHeaderTag())
	buf.Write(avcFrameTag(1))
	buf.Write(aacFrameTag(1))

	r := NewTagReader(&buf)
	header, err := r.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	wantLen := len(buildFileHeader(true, true)) + len(scriptTag()) + len(avcSeqHeaderTag()) + len(aacSeqHeaderTag())
	if len(header) != wantLen {
		t.Fatalf("header length = %d, want %d", len(header), wantLen)
	}

	chunk, err := r.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk video: %v", err)
	}
	if !bytes.Equal(chunk, avcFrameTag(1)) {
		t.Fatalf("first chunk mismatch")
	}

	chunk, err = r.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk audio: %v", err)
	}
	if !bytes.Equal(chunk, aacFrameTag(1)) {
		t.Fatalf("second chunk mismatch")
	}
}

func TestReadHeaderVideoOnly(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildFileHeader(true, false))
	buf.Write(scriptTag())
	buf.Write(avcSeqHeaderTag())
	buf.Write(avcFrameTag(7))

	r := NewTagReader(&buf)
	header, err := r.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	wantLen := len(buildFileHeader(true, false)) + len(scriptTag()) + len(avcSeqHeaderTag())
	if len(header) != wantLen {
		t.Fatalf("header length = %d, want %d", len(header), wantLen)
	}

	chunk, err := r.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(chunk, avcFrameTag(7)) {
		t.Fatalf("chunk mismatch")
	}
}

func TestReadHeaderRejectsBadSignature(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, fileHeaderSize+prevTagSizeLen))
	r := NewTagReader(buf)
	if _, err := r.ReadHeader(); err != ErrMalformedStream {
		t.Fatalf("err = %v, want ErrMalformedStream", err)
	}
}

func TestChunksPreserveOrderAcrossMultipleReads(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildFileHeader(true, false))
	buf.Write(scriptTag())
	buf.Write(avcSeqHeaderTag())
	for i := byte(1); i <= 5; i++ {
		buf.Write(avcFrameTag(i))
	}

	r := NewTagReader(&buf)
	if _, err := r.ReadHeader(); err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}

	for i := byte(1); i <= 5; i++ {
		chunk, err := r.ReadChunk()
		if err != nil {
			t.Fatalf("ReadChunk %d: %v", i, err)
		}
		if !bytes.Equal(chunk, avcFrameTag(i)) {
			t.Fatalf("chunk %d mismatch", i)
		}
	}
}
