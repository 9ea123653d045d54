package loader

// Blank-import every image codec the demo fixtures and CLI exercise so
// that image.Decode (used by cache.Image to materialise a blob) covers
// more than the three formats the stdlib registers on its own.
import (
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)
