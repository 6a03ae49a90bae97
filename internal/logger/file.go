package logger

import (
	"encoding/json"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileLogger implements Tier 2: rotating file logs via lumberjack with
// channel-buffered batch writes.
type FileLogger struct {
	config    *Config
	sink      *lumberjack.Logger
	buffer    chan *Entry
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// NewFileLogger creates a new file logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	fl := &FileLogger{
		config: config,
		sink: &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		},
		buffer:    make(chan *Entry, config.File.BufferSize),
		closeChan: make(chan struct{}),
	}

	fl.wg.Add(1)
	go fl.writer()

	return fl, nil
}

// log enqueues an entry for batch writing. A full buffer drops the entry;
// file logging is best-effort.
func (fl *FileLogger) log(level Level, msg string, component Component, fields map[string]interface{}) {
	entry := &Entry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Component: component,
		Fields:    fields,
	}

	select {
	case fl.buffer <- entry:
	default:
	}
}

// writer batches entries and flushes on size or interval
func (fl *FileLogger) writer() {
	defer fl.wg.Done()

	batchSize := fl.config.File.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := fl.config.File.BatchInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	batch := make([]*Entry, 0, batchSize)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, entry := range batch {
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			_, _ = fl.sink.Write(append(data, '\n'))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-fl.buffer:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-fl.closeChan:
			// Drain anything still buffered before closing.
			for {
				select {
				case entry := <-fl.buffer:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes pending entries and closes the file sink
func (fl *FileLogger) Close() error {
	close(fl.closeChan)
	fl.wg.Wait()
	return fl.sink.Close()
}
