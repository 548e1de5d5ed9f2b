// Package snapshot persists finished analysis results.
package snapshot

import (
	"PcapReduce/internal/codec"
	"PcapReduce/internal/config"
	"PcapReduce/internal/factory"
	"PcapReduce/internal/model"
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// Stdout as a root path sends the rows to standard output.
const Stdout = "-"

func init() {
	factory.RegisterWriter("tsv", func(def config.WriterDef) (model.Writer, error) {
		return NewTSVWriter(def.TSV.RootPath), nil
	})
}

// SummaryData holds the metadata for one run directory.
type SummaryData struct {
	RunID                string `json:"run_id"`
	Source               string `json:"source"`
	Hosts                int    `json:"hosts"`
	Conversations        int    `json:"conversations"`
	ConversationsWithRTT int    `json:"conversations_with_rtt"`
	TotalBytes           uint64 `json:"total_bytes"`
	TotalPackets         uint64 `json:"total_packets"`
	Timestamp            string `json:"timestamp"`
}

// Summarize computes the SummaryData of a result.
func Summarize(result *model.Result) SummaryData {
	s := SummaryData{
		RunID:         result.RunID,
		Source:        result.Source,
		Hosts:         len(result.Traffic),
		Conversations: len(result.Conversations),
		Timestamp:     result.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, h := range result.Traffic {
		s.TotalBytes += h.SentBytes
	}
	for _, c := range result.Conversations {
		s.TotalPackets += c.PacketCount
		if c.RTTMillis != nil {
			s.ConversationsWithRTT++
		}
	}
	return s
}

// TSVWriter writes each result into its own timestamped run directory, or to
// stdout when the root path is "-".
type TSVWriter struct {
	rootPath string
	stdout   io.Writer
}

// NewTSVWriter creates a TSV writer rooted at rootPath.
func NewTSVWriter(rootPath string) *TSVWriter {
	if rootPath == "" {
		rootPath = Stdout
	}
	return &TSVWriter{rootPath: rootPath, stdout: os.Stdout}
}

func (w *TSVWriter) Name() string {
	return "tsv"
}

// RunDir returns the directory a result is written to.
func (w *TSVWriter) RunDir(result *model.Result) string {
	id := result.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	return filepath.Join(w.rootPath, result.CreatedAt.Format("2006-01-02_15-04-05")+"_"+id)
}

// Write renders both views of result.
func (w *TSVWriter) Write(result *model.Result) error {
	if w.rootPath == Stdout {
		bw := bufio.NewWriter(w.stdout)
		writeTraffic(bw, result.Traffic)
		writeConversations(bw, result.Conversations)
		return bw.Flush()
	}

	runDir := w.RunDir(result)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	if err := writeFile(filepath.Join(runDir, "traffic.tsv"), func(bw *bufio.Writer) {
		writeTraffic(bw, result.Traffic)
	}); err != nil {
		return err
	}
	if err := writeFile(filepath.Join(runDir, "conversations.tsv"), func(bw *bufio.Writer) {
		writeConversations(bw, result.Conversations)
	}); err != nil {
		return err
	}

	summaryFile, err := os.Create(filepath.Join(runDir, "summary.json"))
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	jsonEncoder := json.NewEncoder(summaryFile)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(Summarize(result)); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}

	log.Printf("Wrote %d hosts and %d conversations to %s", len(result.Traffic), len(result.Conversations), runDir)
	return nil
}

func (w *TSVWriter) Close() error {
	return nil
}

func writeFile(path string, render func(*bufio.Writer)) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create result file '%s': %w", path, err)
	}
	defer file.Close()

	bw := bufio.NewWriter(file)
	render(bw)
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write result file '%s': %w", path, err)
	}
	return nil
}

// bufio.Writer keeps the first error and reports it from Flush.
func writeTraffic(bw *bufio.Writer, rows []model.HostTraffic) {
	for _, h := range rows {
		bw.WriteString(codec.FormatTrafficRow(h))
		bw.WriteByte('\n')
	}
}

func writeConversations(bw *bufio.Writer, rows []model.ConversationMetrics) {
	for _, c := range rows {
		bw.WriteString(codec.FormatConversationRow(c))
		bw.WriteByte('\n')
	}
}
