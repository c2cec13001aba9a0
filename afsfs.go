package demprofile

import (
	"bytes"
	"context"
	"io/fs"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/viant/afs"
	"github.com/viant/afs/url"
	"golang.org/x/sync/singleflight"
)

var (
	afsDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_afs_downloads_total",
		Help: "The total number of objects downloaded from remote DEM storage",
	})
	afsObjectCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "demprofile_afs_object_cache_hits_total",
		Help: "The total number of hits on the downloaded object cache",
	})
)

// An AFSFS is an fs.FS backed by any storage supported by
// github.com/viant/afs, for example file://, mem://, s3://, or gs:// URLs.
// Files are downloaded whole and are cached until their modification time
// changes.
type AFSFS struct {
	service     afs.Service
	baseURL     string
	timeout     time.Duration
	cacheSize   int
	objectCache *lru.Cache[afsObjectKey, []byte]
	downloads   singleflight.Group
}

// An AFSFSOption sets an option on an AFSFS.
type AFSFSOption func(*AFSFS)

type afsObjectKey struct {
	url     string
	modTime int64
}

// NewAFSFS returns a new AFSFS rooted at baseURL.
func NewAFSFS(baseURL string, options ...AFSFSOption) (*AFSFS, error) {
	f := &AFSFS{
		baseURL:   baseURL,
		timeout:   time.Minute,
		cacheSize: 8,
	}
	for _, option := range options {
		option(f)
	}
	if f.service == nil {
		f.service = afs.New()
	}
	var err error
	f.objectCache, err = lru.New[afsObjectKey, []byte](max(f.cacheSize, 1))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func WithAFSService(service afs.Service) AFSFSOption {
	return func(f *AFSFS) {
		f.service = service
	}
}

// WithAFSCacheSize sets the number of downloaded files cached.
func WithAFSCacheSize(cacheSize int) AFSFSOption {
	return func(f *AFSFS) {
		f.cacheSize = cacheSize
	}
}

// WithAFSTimeout sets the timeout for each storage operation.
func WithAFSTimeout(timeout time.Duration) AFSFSOption {
	return func(f *AFSFS) {
		f.timeout = timeout
	}
}

// Open implements fs.FS. The returned file implements io.ReaderAt and
// io.Seeker.
func (f *AFSFS) Open(name string) (fs.File, error) {
	fileInfo, err := f.stat("open", name)
	if err != nil {
		return nil, err
	}

	key := afsObjectKey{
		url:     url.Join(f.baseURL, name),
		modTime: fileInfo.modTime.UnixNano(),
	}
	data, ok := f.objectCache.Get(key)
	if ok {
		afsObjectCacheHits.Inc()
	} else {
		value, err, _ := f.downloads.Do(key.url, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
			defer cancel()
			data, err := f.service.DownloadWithURL(ctx, key.url)
			if err != nil {
				return nil, err
			}
			afsDownloads.Inc()
			f.objectCache.Add(key, data)
			return data, nil
		})
		if err != nil {
			return nil, &fs.PathError{Op: "open", Path: name, Err: err}
		}
		data = value.([]byte)
	}

	fileInfo.size = int64(len(data))
	return &afsFile{
		Reader:   bytes.NewReader(data),
		fileInfo: fileInfo,
	}, nil
}

// Stat implements fs.StatFS.
func (f *AFSFS) Stat(name string) (fs.FileInfo, error) {
	return f.stat("stat", name)
}

func (f *AFSFS) stat(op, name string) (*afsFileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	URL := url.Join(f.baseURL, name)
	switch exists, err := f.service.Exists(ctx, URL); {
	case err != nil:
		return nil, &fs.PathError{Op: op, Path: name, Err: err}
	case !exists:
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	object, err := f.service.Object(ctx, URL)
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: name, Err: err}
	}
	if object.IsDir() {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	return &afsFileInfo{
		name:    object.Name(),
		size:    object.Size(),
		modTime: object.ModTime(),
	}, nil
}

// An afsFile is an open file downloaded from an AFSFS.
type afsFile struct {
	*bytes.Reader
	fileInfo *afsFileInfo
}

func (f *afsFile) Stat() (fs.FileInfo, error) { return f.fileInfo, nil }
func (f *afsFile) Close() error               { return nil }

type afsFileInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (i *afsFileInfo) Name() string       { return i.name }
func (i *afsFileInfo) Size() int64        { return i.size }
func (i *afsFileInfo) Mode() fs.FileMode  { return 0o444 }
func (i *afsFileInfo) ModTime() time.Time { return i.modTime }
func (i *afsFileInfo) IsDir() bool        { return false }
func (i *afsFileInfo) Sys() any           { return nil }
