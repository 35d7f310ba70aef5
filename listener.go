package imagecache

import "image"

// Image is a decoded image together with what is known about its encoding.
// An *Image handed out by the loader may be shared with other callers and
// must not be modified.
type Image struct {
	image.Image

	Width  int
	Height int
	// Format is the decoder name, such as "png".
	Format string
	// Size is the number of encoded bytes read.
	Size int64
}

// Listener receives asynchronous load events. For one source, a listener
// sees SizeKnown, then zero or more BytesRead, then exactly one of
// ImageReady or ImageError. A listener added while a load is running first
// receives the events already delivered, in the same order.
//
// Callbacks usually run on the loading goroutine. They run on the caller's
// goroutine when the image is already cached or the source cannot be cached,
// and may run on the goroutine of another GetImage call for the same source
// that is delivering a replay. They must not block. A callback may call
// GetImage, including for the source it is being notified about.
type Listener interface {
	// SizeKnown is called once the image dimensions are decoded. size is the
	// encoded byte size when the source reports it, or -1.
	SizeKnown(src any, width, height int, size int64)
	// BytesRead reports the cumulative number of bytes read from the source.
	BytesRead(src any, n int64)
	// ImageReady delivers the decoded image. It ends the event sequence.
	ImageReady(src any, img *Image, width, height int)
	// ImageError reports why the load failed. It ends the event sequence.
	// err is an *ImageError.
	ImageError(src any, err error)
}

// ListenerFuncs adapts optional functions to a Listener. Use a pointer so
// the same value registered twice is recognized as a duplicate.
type ListenerFuncs struct {
	OnSize  func(src any, width, height int, size int64)
	OnBytes func(src any, n int64)
	OnReady func(src any, img *Image, width, height int)
	OnError func(src any, err error)
}

// SizeKnown calls OnSize when it is set.
func (f *ListenerFuncs) SizeKnown(src any, width, height int, size int64) {
	if f.OnSize != nil {
		f.OnSize(src, width, height, size)
	}
}

// BytesRead calls OnBytes when it is set.
func (f *ListenerFuncs) BytesRead(src any, n int64) {
	if f.OnBytes != nil {
		f.OnBytes(src, n)
	}
}

// ImageReady calls OnReady when it is set.
func (f *ListenerFuncs) ImageReady(src any, img *Image, width, height int) {
	if f.OnReady != nil {
		f.OnReady(src, img, width, height)
	}
}

// ImageError calls OnError when it is set.
func (f *ListenerFuncs) ImageError(src any, err error) {
	if f.OnError != nil {
		f.OnError(src, err)
	}
}

// discard is the event sink for loads nobody listens to.
type discard struct{}

func (discard) SizeKnown(any, int, int, int64)   {}
func (discard) BytesRead(any, int64)             {}
func (discard) ImageReady(any, *Image, int, int) {}
func (discard) ImageError(any, error)            {}
