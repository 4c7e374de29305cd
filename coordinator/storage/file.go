package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
)

const (
	LogFileFormat        = "%slog%d"
	CheckpointFileFormat = "%schkpt%d"
)

// FileStore LogStore on the local filesystem. Files are named <dir>/<prefix>log<N> and <dir>/<prefix>chkpt<N>.
type FileStore struct {
	dir    string
	prefix string
	log    logger.ILogger
}

func NewFileStore(dir string, prefix string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileStore{
		dir:    dir,
		prefix: prefix,
		log:    &logger.ColorLogger{Prefix: "FileStore ", Level: logger.LOG_LEVEL_INFO},
	}, nil
}

func (s *FileStore) logPath(n int64) string {
	return filepath.Join(s.dir, fmt.Sprintf(LogFileFormat, s.prefix, n))
}

func (s *FileStore) checkpointPath(n int64) string {
	return filepath.Join(s.dir, fmt.Sprintf(CheckpointFileFormat, s.prefix, n))
}

func (s *FileStore) CreateLog(n int64) (LogWriter, error) {
	f, err := os.OpenFile(s.logPath(n), os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Created log %d", n)
	return f, nil
}

func (s *FileStore) AppendLog(n int64, offset int64) (LogWriter, error) {
	path := s.logPath(n)
	if err := os.Truncate(path, offset); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Opened log %d for appending at %d", n, offset)
	return f, nil
}

func (s *FileStore) OpenLog(n int64) (LogReader, error) {
	f, err := os.Open(s.logPath(n))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return &fileReader{File: f}, nil
}

func (s *FileStore) RemoveLog(n int64) error {
	err := os.Remove(s.logPath(n))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileStore) CreateCheckpoint(n int64) (CheckpointWriter, error) {
	path := s.checkpointPath(n)
	f, err := os.OpenFile(path+".tmp", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &checkpointFile{File: f, path: path}, nil
}

func (s *FileStore) OpenCheckpoint(n int64) (io.ReadCloser, error) {
	f, err := os.Open(s.checkpointPath(n))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *FileStore) RemoveCheckpoint(n int64) error {
	err := os.Remove(s.checkpointPath(n))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

type fileReader struct {
	*os.File
}

func (r *fileReader) Size() (int64, error) {
	info, err := r.File.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// checkpointFile Written under a temporary name and renamed on commit.
type checkpointFile struct {
	*os.File
	path string
}

func (f *checkpointFile) Commit() error {
	if err := f.File.Sync(); err != nil {
		f.Abort()
		return err
	}
	if err := f.File.Close(); err != nil {
		os.Remove(f.File.Name())
		return err
	}
	return os.Rename(f.File.Name(), f.path)
}

func (f *checkpointFile) Abort() error {
	f.File.Close()
	return os.Remove(f.File.Name())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
