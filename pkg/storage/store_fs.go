package storage

import (
	"context"
	"encoding/json"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/mod/sumdb"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"lumentree/pkg/utils/fileutil"
)

const (
	recordExt         = ".json"
	removeRetryPeriod = 10 * time.Millisecond
	removeTimeout     = time.Second
)

// FsClient keeps one JSON file per device under {root}/devices.
type FsClient struct {
	storePath string
}

var _ Storage = (*FsClient)(nil)

// DefaultStorePath is ~/.lumentree, or ./.lumentree when the home directory
// is unknown.
func DefaultStorePath() string {
	if u, err := user.Current(); err == nil {
		return filepath.Join(u.HomeDir, ".lumentree")
	} else {
		klog.ErrorS(err, "Failed to get home dir")
		return "./.lumentree"
	}
}

func NewFsClient(root string) (*FsClient, error) {
	if len(root) == 0 {
		root = DefaultStorePath()
	}
	p := filepath.Join(root, Devices)
	_, err := os.Stat(p)
	if os.IsNotExist(err) {
		if err = os.MkdirAll(p, 0711); err != nil {
			return nil, errors.Wrapf(err, "create %s", p)
		}
		absPath, _ := filepath.Abs(p)
		klog.V(2).InfoS("Created", "path", absPath)
	} else if err != nil {
		return nil, errors.Wrapf(err, "stat %s", p)
	}
	return &FsClient{storePath: p}, nil
}

func (fc *FsClient) path(id string) string {
	return filepath.Join(fc.storePath, id+recordExt)
}

// withLock opens the record of id and holds its file lock while fn runs.
func (fc *FsClient) withLock(id string, flag int, fn func(f *os.File) error) error {
	f, err := os.OpenFile(fc.path(id), flag, 0640)
	if err != nil {
		if os.IsNotExist(err) {
			return os.ErrNotExist
		} else if isEphemeralError(err) {
			klog.V(2).InfoS("Failed to open file", "err", err)
			return sumdb.ErrWriteConflict
		}
		return err
	}
	defer f.Close()

	lock, err := fileutil.NewLock(f)
	if err != nil {
		klog.V(2).InfoS("Failed to lock", "err", err)
		return sumdb.ErrWriteConflict
	}
	defer lock.Release()
	return fn(f)
}

func (fc *FsClient) Put(record *DeviceRecord) error {
	return fc.withLock(record.Id, os.O_CREATE|os.O_RDWR, func(f *os.File) error {
		if err := f.Truncate(0); err != nil {
			return errors.Wrap(err, "truncate")
		}
		if _, err := f.Seek(0, 0); err != nil {
			return errors.Wrap(err, "seek")
		}
		return json.NewEncoder(f).Encode(record)
	})
}

func (fc *FsClient) Get(id string) (*DeviceRecord, error) {
	record := &DeviceRecord{}
	err := fc.withLock(id, os.O_RDONLY, func(f *os.File) error {
		return json.NewDecoder(f).Decode(record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// List returns every readable record ordered by id. Unreadable files are
// logged and skipped.
func (fc *FsClient) List() ([]*DeviceRecord, error) {
	entries, err := os.ReadDir(fc.storePath)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", fc.storePath)
	}
	records := make([]*DeviceRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		record, err := fc.Get(strings.TrimSuffix(entry.Name(), recordExt))
		if err != nil {
			klog.V(2).InfoS("Skipped device record", "file", entry.Name(), "err", err)
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Id < records[j].Id })
	return records, nil
}

// Delete removes the record of id once no writer holds it, retrying while
// the file is briefly shared.
func (fc *FsClient) Delete(id string) error {
	if err := fc.withLock(id, os.O_RDONLY, func(*os.File) error { return nil }); err != nil {
		return err
	}

	var err error
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err = os.Remove(fc.path(id)); !isEphemeralError(err) {
			cancel()
		}
	}, removeRetryPeriod)

	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return os.ErrNotExist
	case isEphemeralError(err):
		return sumdb.ErrWriteConflict
	default:
		return errors.Wrapf(err, "remove %s", id)
	}
}
