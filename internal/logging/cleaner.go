// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

const cleanerInterval = time.Minute

var cleanerStop chan struct{}

// configureLogDirCleanerLocked restarts the background cleaner for the
// given directory. A non-positive limit disables it. Caller holds writerMu.
func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()
	if maxTotalSizeMB <= 0 {
		return
	}
	stop := make(chan struct{})
	cleanerStop = stop
	go runLogDirCleaner(logDir, int64(maxTotalSizeMB)*1024*1024, protectedPath, stop)
}

func stopLogDirCleanerLocked() {
	if cleanerStop != nil {
		close(cleanerStop)
		cleanerStop = nil
	}
}

func runLogDirCleaner(logDir string, maxTotalBytes int64, protectedPath string, stop <-chan struct{}) {
	ticker := time.NewTicker(cleanerInterval)
	defer ticker.Stop()

	trimLogDir(logDir, maxTotalBytes, protectedPath)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			trimLogDir(logDir, maxTotalBytes, protectedPath)
		}
	}
}

// trimLogDir deletes the oldest log files until the directory's total
// size fits the limit. The active log file is never removed.
func trimLogDir(logDir string, maxTotalBytes int64, protectedPath string) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return
	}

	type logFile struct {
		path string
		size int64
		mod  time.Time
	}

	var files []logFile
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil {
			continue
		}
		f := logFile{
			path: filepath.Join(logDir, entry.Name()),
			size: info.Size(),
			mod:  info.ModTime(),
		}
		files = append(files, f)
		total += f.size
	}

	if total <= maxTotalBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files {
		if total <= maxTotalBytes {
			return
		}
		if f.path == protectedPath {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		total -= f.size
	}
}
