// Package img contains routines for loading, augmenting and normalising sets of images.
package img

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

var (
	GrayModel = color.ModelFunc(grayModel)
	RGBModel  = color.ModelFunc(rgbModel)
)

// Gray color stored a float in range 0-1
type Gray struct {
	Y float32
}

func (c Gray) RGBA() (r, g, b, a uint32) {
	y := clampu(c.Y, 0, 1)
	return y, y, y, 0xffff
}

func grayModel(c color.Color) color.Color {
	if _, ok := c.(Gray); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return Gray{Y: 0.299*float32(r)/0xffff + 0.587*float32(g)/0xffff + 0.114*float32(b)/0xffff}
}

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// Image interface type with additional methods to get at the pixel planes.
// Each plane is stored row by row, so the x coordinate varies fastest.
type Image interface {
	draw.Image
	Pixels(ch int) []float32
	Channels() int
}

// NewImage allocates a blank image with the given number of channels, which must be 1 or 3.
func NewImage(width, height, channels int) (Image, error) {
	switch channels {
	case 1:
		return NewGray(width, height), nil
	case 3:
		return NewRGB(width, height), nil
	default:
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
}

// Convert copies any decoded image into a float image of the given size, resampling if needed.
func Convert(src image.Image, width, height, channels int) (Image, error) {
	dst, err := NewImage(width, height, channels)
	if err != nil {
		return nil, err
	}
	sb := src.Bounds()
	if sb.Dx() == width && sb.Dy() == height {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				dst.Set(x, y, src.At(sb.Min.X+x, sb.Min.Y+y))
			}
		}
		return dst, nil
	}
	tmp := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(tmp, tmp.Bounds(), src, sb, xdraw.Src, nil)
	draw.Draw(dst, dst.Bounds(), tmp, image.Point{}, draw.Src)
	return dst, nil
}

// GrayImage type stores the image data as float32 values.
type GrayImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewGray(width, height int) *GrayImage {
	return &GrayImage{Pix: make([]float32, height*width), Height: height, Width: width}
}

func (m *GrayImage) Channels() int { return 1 }

func (m *GrayImage) ColorModel() color.Model { return GrayModel }

func (m *GrayImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *GrayImage) GrayAt(x, y int) Gray {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return Gray{}
	}
	return Gray{Y: m.Pix[x+y*m.Width]}
}

func (m *GrayImage) At(x, y int) color.Color {
	return m.GrayAt(x, y)
}

func (m *GrayImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	m.Pix[x+y*m.Width] = grayModel(c).(Gray).Y
}

func (m *GrayImage) Pixels(ch int) []float32 {
	return m.Pix
}

// RGBImage type stores the image data as float32 values with r, g and b color planes stored separately.
type RGBImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewRGB(width, height int) *RGBImage {
	return &RGBImage{Pix: make([]float32, height*width*3), Height: height, Width: width}
}

func (m *RGBImage) Channels() int { return 3 }

func (m *RGBImage) ColorModel() color.Model { return RGBModel }

func (m *RGBImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *RGBImage) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{}
	}
	i, plane := x+y*m.Width, m.Width*m.Height
	return RGB{R: m.Pix[i], G: m.Pix[i+plane], B: m.Pix[i+2*plane]}
}

func (m *RGBImage) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *RGBImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	i, plane := x+y*m.Width, m.Width*m.Height
	m.Pix[i] = rgb.R
	m.Pix[i+plane] = rgb.G
	m.Pix[i+2*plane] = rgb.B
}

func (m *RGBImage) Pixels(ch int) []float32 {
	plane := m.Width * m.Height
	if ch >= 0 && ch <= 2 {
		return m.Pix[ch*plane : (ch+1)*plane]
	}
	return m.Pix
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}
