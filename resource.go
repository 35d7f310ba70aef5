package imagecache

// Resource is an external object an image is loaded for. The loader reads
// its location from Spec and records what it learns as string properties.
// All writes made during one load happen between HoldChanges and
// ReleaseChanges, so observers see them as a single update.
type Resource interface {
	// Spec returns the path or URL of the resource.
	Spec() string
	Property(name string) (string, bool)
	SetProperty(name, value string) error
	HoldChanges()
	ReleaseChanges()
	SetCached(cached bool)
}

// Property names written by the loader.
const (
	PropContentSize     = "Content.size"
	PropContentType     = "Content.type"
	PropContentModified = "Content.modified"
	PropContentAsOf     = "Content.asOf"
	PropContentDigest   = "Content.digest"
	PropURLExpires      = "URL.expires"
	PropImageWidth      = "image.width"
	PropImageHeight     = "image.height"
	PropImageFormat     = "image.format"
)
