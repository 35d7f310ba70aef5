// Package imagecache loads images from files, URLs, streams and resources,
// decodes them, and caches the result in memory and on disk.
//
// Key features:
//   - At most one fetch per source at a time; concurrent callers join it
//   - Listeners attached mid-fetch receive a replay of events already delivered
//   - Decoded images are held weakly and may be reclaimed under memory pressure
//   - Encoded bytes persist in a disk cache and survive restarts via Reload
//   - Markup error pages are detected and retried once
//   - Decoders registered late are found by a rescan before a stream is rejected
//
// Basic usage:
//
//	loader, err := imagecache.New(imagecache.WithCacheDir("/var/cache/images"))
//	if err != nil {
//	    return err
//	}
//	defer loader.Close()
//
//	// Restore the disk cache from a previous run
//	_, err = loader.Reload(ctx)
//
//	// Block until loaded
//	img, err := loader.GetImage(ctx, "https://example.com/logo.png", nil)
//
//	// Or receive events asynchronously
//	_, err = loader.GetImage(ctx, "https://example.com/logo.png", &imagecache.ListenerFuncs{
//	    OnReady: func(src any, img *imagecache.Image, w, h int) { ... },
//	    OnError: func(src any, err error) { ... },
//	})
package imagecache
