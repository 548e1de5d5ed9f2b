package pcap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
)

const liveTimeout = 500 * time.Millisecond

// pcapng section header block magic.
var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Reader reads frames from a capture file or stream.
type Reader struct {
	source   gopacket.PacketDataSource
	linkType layers.LinkType
	closer   func()
	// remainder is drained after a truncated read.
	remainder io.Reader
	frames    uint64
}

// NewReader opens a pcap file through libpcap.
func NewReader(filePath string) (*Reader, error) {
	handle, err := pcap.OpenOffline(filePath)
	if err != nil {
		return nil, err
	}
	return &Reader{source: handle, linkType: handle.LinkType(), closer: handle.Close}, nil
}

// NewLiveReader captures from a network interface until the context passed to
// ReadFrames is cancelled.
func NewLiveReader(iface string, snaplen int32) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, true, liveTimeout)
	if err != nil {
		return nil, err
	}
	return &Reader{source: handle, linkType: handle.LinkType(), closer: handle.Close}, nil
}

// Open reads path, or stdin when path is "-".
func Open(path string) (*Reader, error) {
	if path == "-" {
		return NewStreamReader(os.Stdin)
	}
	return NewReader(path)
}

// NewStreamReader reads a pcap or pcapng stream such as stdin. An empty or
// truncated header yields a reader with no frames.
func NewStreamReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		if errors.Is(err, io.EOF) && len(magic) == 0 {
			log.Println("Capture stream is empty")
		} else {
			log.Printf("Capture stream truncated inside the file header: %v", err)
		}
		return &Reader{remainder: br}, nil
	}

	if string(magic) == string(ngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, headerError(br, err)
		}
		return &Reader{source: ng, linkType: ng.LinkType(), remainder: br}, nil
	}

	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, headerError(br, err)
	}
	return &Reader{source: pr, linkType: pr.LinkType(), remainder: br}, nil
}

func headerError(rest io.Reader, err error) error {
	if _, derr := io.Copy(io.Discard, rest); derr != nil {
		log.Printf("Error draining capture stream: %v", derr)
	}
	return fmt.Errorf("invalid capture header: %w", err)
}

// Close releases the underlying handle, if any.
func (r *Reader) Close() {
	if r.closer != nil {
		r.closer()
	}
}

// LinkType returns the link layer of the capture.
func (r *Reader) LinkType() layers.LinkType {
	return r.linkType
}

// Frames returns the number of frames read so far.
func (r *Reader) Frames() uint64 {
	return r.frames
}

// ReadFrames decodes every frame and sends it to out. A clean end of input
// and a truncated final record both end the read normally; in the latter case
// the rest of the input is drained. Only a cancelled ctx is returned as an
// error. out is not closed.
func (r *Reader) ReadFrames(ctx context.Context, out chan<- gopacket.Packet) error {
	if r.source == nil {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			r.drain()
			return err
		}
		data, ci, err := r.source.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			log.WithFields(log.Fields{
				"frames_read": r.frames,
				"error":       err,
			}).Warn("Capture stream truncated, stopping decode")
			r.drain()
			return nil
		}
		r.frames++

		packet := gopacket.NewPacket(data, r.linkType, gopacket.Default)
		md := packet.Metadata()
		md.CaptureInfo = ci

		select {
		case out <- packet:
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		}
	}
}

func (r *Reader) drain() {
	if r.remainder == nil {
		return
	}
	n, err := io.Copy(io.Discard, r.remainder)
	if err != nil {
		log.Printf("Error draining capture stream: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Drained %d trailing bytes from capture stream", n)
	}
}
