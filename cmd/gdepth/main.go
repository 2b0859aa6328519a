// gdepth embeds a grayscale depth map into a JPEG as GDepth XMP metadata, or
// extracts the depth map back out of an existing 3D photo.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/stevecastle/grebe/depthmap"
	"github.com/stevecastle/grebe/gdepth"
)

func main() {
	inPath := flag.String("in", "", "input image path (photo for embed, 3D photo for extract)")
	depthPath := flag.String("depth", "", "grayscale depth map path (embed mode)")
	outPath := flag.String("out", "", "output path (default <in>_3d.jpg or <in>_depth.png)")
	quality := flag.Int("quality", 95, "JPEG quality when the photo is re-encoded (1-100)")
	noReuse := flag.Bool("no-reuse", false, "always re-encode the photo instead of reusing JPEG input bytes")
	extract := flag.Bool("extract", false, "extract the depth map from a 3D photo instead of embedding")
	flag.Parse()

	if *inPath == "" {
		fmt.Fprintln(os.Stderr, "usage: gdepth --in <photo> --depth <map> [--out out_3d.jpg]")
		fmt.Fprintln(os.Stderr, "       gdepth --extract --in <3d photo> [--out depth.png]")
		os.Exit(2)
	}

	var err error
	if *extract {
		err = runExtract(*inPath, *outPath)
	} else {
		err = runEmbed(*inPath, *depthPath, *outPath, *quality, !*noReuse)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "gdepth:", err)
		os.Exit(1)
	}
}

func runEmbed(inPath, depthPath, outPath string, quality int, reuse bool) error {
	if depthPath == "" {
		return fmt.Errorf("--depth is required for embedding")
	}

	photoBytes, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(bytes.NewReader(photoBytes))
	if err != nil {
		return fmt.Errorf("decode %s: %w", inPath, err)
	}

	depthBytes, err := os.ReadFile(depthPath)
	if err != nil {
		return err
	}
	m, err := depthmap.DecodePNG(depthBytes)
	if err != nil {
		return fmt.Errorf("decode depth map %s: %w", depthPath, err)
	}

	opts := gdepth.Options{Quality: quality, ReuseOriginalJPEG: reuse}
	out, err := gdepth.Embed(img, photoBytes, m, opts)
	if err != nil {
		return err
	}

	if outPath == "" {
		outPath = stripExt(inPath) + "_3d.jpg"
	}
	if err := os.WriteFile(outPath, out, 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes, depth %dx%d)\n", outPath, len(out), m.Width, m.Height)
	return nil
}

func runExtract(inPath, outPath string) error {
	data, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}
	meta, err := gdepth.Extract(data)
	if err != nil {
		return err
	}

	if outPath == "" {
		outPath = stripExt(inPath) + "_depth.png"
	}
	if err := os.WriteFile(outPath, meta.DepthPNG, 0644); err != nil {
		return err
	}
	fmt.Printf("wrote %s (format=%s near=%g far=%g mime=%s)\n",
		outPath, meta.Format, meta.Near, meta.Far, meta.Mime)
	return nil
}

func stripExt(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/' && path[i] != '\\'; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}
