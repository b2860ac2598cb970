package img

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rubenfonseca/fastimage"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// CIFAR-10 binary record layout
const (
	CIFARWidth  = 32
	CIFARHeight = 32
	cifarPlane  = CIFARWidth * CIFARHeight
	cifarRecord = cifarPlane*3 + 1
)

// CacheFile is written to each data directory with the decoded images.
const CacheFile = ".cache.dat"

// CIFARClasses are used for binary batches when there is no batches.meta.txt file.
var CIFARClasses = []string{"airplane", "automobile", "bird", "cat", "deer", "dog", "frog", "horse", "ship", "truck"}

var imageExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// LoadDir reads a labelled image set from a directory. It holds either CIFAR-10 binary batch files
// with a .bin extension, or one subdirectory per class containing image files. Images are converted
// to the given number of channels. The decoded data is cached in the directory and reused while the
// list of source files with their sizes and modification times is unchanged.
func LoadDir(dir string, channels int) (*Data, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("error loading images: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("error loading images: %s is not a directory", dir)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("error loading images: unsupported channel count %d", channels)
	}
	source, err := sourceDigest(dir)
	if err != nil {
		return nil, err
	}
	cache := filepath.Join(dir, CacheFile)
	if d, err := readCache(cache, source); err == nil && d.Dims[2] == channels {
		log.Printf("loaded %d images from %s", d.Len(), cache)
		return d, nil
	}
	bins, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	if err != nil {
		return nil, err
	}
	var d *Data
	if len(bins) > 0 {
		d, err = loadBinary(dir, bins, channels)
	} else {
		d, err = loadFolders(dir, channels)
	}
	if err != nil {
		return nil, err
	}
	d.Source = source
	if err := writeCache(cache, d); err != nil {
		log.Printf("warning: %s", err)
	}
	return d, nil
}

// digest of the relative path, size and modification time of each file in the directory tree,
// ignoring the cache file
func sourceDigest(dir string) (string, error) {
	h := sha256.New()
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || info.Name() == CacheFile {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", filepath.ToSlash(rel), info.Size(), info.ModTime().UnixNano())
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("error scanning %s: %w", dir, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func readCache(name, source string) (*Data, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := new(Data)
	if err := d.Decode(bufio.NewReader(f)); err != nil {
		return nil, err
	}
	if d.Source != source {
		return nil, fmt.Errorf("cache file %s is out of date", name)
	}
	return d, nil
}

func writeCache(name string, d *Data) error {
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("error creating cache file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := d.Encode(w); err != nil {
		f.Close()
		os.Remove(name)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func loadBinary(dir string, files []string, channels int) (*Data, error) {
	sort.Strings(files)
	classes := CIFARClasses
	if c, err := ReadClasses(filepath.Join(dir, "batches.meta.txt")); err == nil && len(c) > 0 {
		classes = c
	}
	var labels []int32
	var images []Image
	for _, name := range files {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("error loading images: %w", err)
		}
		l, m, err := ReadCIFARBatch(bufio.NewReader(f), channels)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("error reading %s: %w", name, err)
		}
		log.Printf("read %d images from %s", len(l), filepath.Base(name))
		labels = append(labels, l...)
		images = append(images, m...)
	}
	return NewData(classes, labels, images)
}

// ReadCIFARBatch reads images in the CIFAR-10 binary format: a label byte followed by the red, green and blue planes.
func ReadCIFARBatch(r io.Reader, channels int) (labels []int32, images []Image, err error) {
	buf := make([]byte, cifarRecord)
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("incomplete record %d: expected %d bytes got %d", len(labels), cifarRecord, n)
		}
		labels = append(labels, int32(buf[0]))
		m, err := NewImage(CIFARWidth, CIFARHeight, channels)
		if err != nil {
			return nil, nil, err
		}
		if channels == 3 {
			pix := m.Pixels(-1)
			for i, v := range buf[1:] {
				pix[i] = float32(v) / 255
			}
		} else {
			for j := 0; j < cifarPlane; j++ {
				c := color.RGBA{R: buf[1+j], G: buf[1+cifarPlane+j], B: buf[1+2*cifarPlane+j], A: 255}
				m.Set(j%CIFARWidth, j/CIFARWidth, c)
			}
		}
		images = append(images, m)
	}
	return labels, images, nil
}

// ReadClasses loads class descriptions from a text file with one name per line
func ReadClasses(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	classes := []string{}
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, s.Err()
}

type imageFile struct {
	path  string
	label int32
}

func loadFolders(dir string, channels int) (*Data, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error loading images: %w", err)
	}
	var classes []string
	var files []imageFile
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		label := int32(len(classes))
		classes = append(classes, e.Name())
		list, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("error loading images: %w", err)
		}
		for _, f := range list {
			if !f.IsDir() && imageExt[strings.ToLower(filepath.Ext(f.Name()))] {
				files = append(files, imageFile{path: filepath.Join(dir, e.Name(), f.Name()), label: label})
			}
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("error loading images: no image files or .bin batches found in %s", dir)
	}
	width, height, err := imageSize(files[0].path)
	if err != nil {
		return nil, err
	}
	labels := make([]int32, len(files))
	images := make([]Image, len(files))
	errs := make([]error, len(files))
	var wg sync.WaitGroup
	queue := make(chan int)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ix := range queue {
				labels[ix] = files[ix].label
				images[ix], errs[ix] = readImage(files[ix].path, width, height, channels)
			}
		}()
	}
	for i := range files {
		queue <- i
	}
	close(queue)
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	log.Printf("read %d images in %d classes from %s", len(files), len(classes), dir)
	return NewData(classes, labels, images)
}

// dimensions of an image file, read from the header where the format is recognised
func imageSize(name string) (width, height int, err error) {
	f, err := os.Open(name)
	if err != nil {
		return 0, 0, fmt.Errorf("error loading images: %w", err)
	}
	defer f.Close()
	if _, size, err := fastimage.DetectImageTypeFromReader(f); err == nil && size != nil {
		return int(size.Width), int(size.Height), nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("error decoding %s: %w", name, err)
	}
	return cfg.Width, cfg.Height, nil
}

func readImage(name string, width, height, channels int) (Image, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("error loading images: %w", err)
	}
	defer f.Close()
	src, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", name, err)
	}
	return Convert(src, width, height, channels)
}
