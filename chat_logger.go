package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// ChatLogger journals chat messages to daily CSV files. When the day rolls
// over, the previous day's file is compressed in place.
type ChatLogger struct {
	dataDir string
	enabled bool

	openFile   *os.File
	csvWriter  *csv.Writer
	currentDay string
	fileMu     sync.Mutex
}

// NewChatLogger creates a chat logger rooted at dataDir.
func NewChatLogger(dataDir string, enabled bool) (*ChatLogger, error) {
	if !enabled {
		return &ChatLogger{enabled: false}, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create chat log directory: %w", err)
	}
	cl := &ChatLogger{
		dataDir: dataDir,
		enabled: true,
	}
	log.Printf("chat logger: dataDir=%s", dataDir)
	return cl, nil
}

// LogMessage appends one message to the current day's CSV file.
func (cl *ChatLogger) LogMessage(timestamp time.Time, room, sender, text string, synced bool) error {
	if !cl.enabled {
		return nil
	}

	cl.fileMu.Lock()
	defer cl.fileMu.Unlock()

	writer, err := cl.getOrCreateWriter(timestamp)
	if err != nil {
		return err
	}

	record := []string{
		timestamp.Format(time.RFC3339),
		room,
		sender,
		text, // csv.Writer handles escaping
		strconv.FormatBool(synced),
	}
	if err := writer.Write(record); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// getOrCreateWriter returns the CSV writer for the message's date, rotating
// and compressing the previous day's file when the date changes.
// File path structure: dataDir/YYYY/MM/chat-YYYY-MM-DD.csv
func (cl *ChatLogger) getOrCreateWriter(timestamp time.Time) (*csv.Writer, error) {
	dateStr := timestamp.Format("2006-01-02")
	if cl.currentDay == dateStr {
		return cl.csvWriter, nil
	}

	if cl.openFile != nil {
		cl.csvWriter.Flush()
		prev := cl.openFile.Name()
		cl.openFile.Close()
		go func() {
			if err := compressLogFile(prev); err != nil {
				log.Printf("chat logger: compress %s: %v", prev, err)
			}
		}()
	}

	dirPath := filepath.Join(
		cl.dataDir,
		fmt.Sprintf("%04d", timestamp.Year()),
		fmt.Sprintf("%02d", timestamp.Month()),
	)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	filename := filepath.Join(dirPath, "chat-"+dateStr+".csv")
	file, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open chat log file: %w", err)
	}

	stat, _ := file.Stat()
	needsHeader := stat.Size() == 0

	writer := csv.NewWriter(file)
	cl.openFile = file
	cl.csvWriter = writer
	cl.currentDay = dateStr

	if needsHeader {
		header := []string{"timestamp", "room", "sender", "message", "synced"}
		if err := writer.Write(header); err != nil {
			return nil, fmt.Errorf("write CSV header: %w", err)
		}
		writer.Flush()
		log.Printf("chat logger: new log file %s", filename)
	}
	return writer, nil
}

// compressLogFile gzips a rotated CSV and removes the original.
func compressLogFile(path string) error {
	if strings.HasSuffix(path, ".gz") {
		return nil
	}
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz, err := gzip.NewWriterLevel(out, gzip.BestCompression)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// Close flushes and closes the open CSV file.
func (cl *ChatLogger) Close() error {
	if !cl.enabled {
		return nil
	}
	cl.fileMu.Lock()
	defer cl.fileMu.Unlock()
	if cl.openFile != nil {
		cl.csvWriter.Flush()
		if err := cl.openFile.Close(); err != nil {
			log.Printf("chat logger: close: %v", err)
			return err
		}
		cl.openFile = nil
	}
	return nil
}
