// Package screen drives the backlight LED under the nixie tube, and keeps a picture of the tube for
// debugging the rest of the program without the hardware attached.
package screen

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/goiot/devices/dotstar"
	xspi "golang.org/x/exp/io/spi"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/devices/v3/apa102"
)

const (
	cols         = 12
	rows         = 20
	glowRows     = 3
	previewScale = 16 // Size of one pixel in the rendered image.
	previewSpace = 2  // Border around each pixel, to simulate pixel spacing.
)

// glowColor is the color of a lit nixie cathode.
var glowColor = color.NRGBA{R: 0xff, G: 0x78, B: 0x10, A: 0xff}

// pixel is one addressable RGB LED.
type pixel interface {
	write(c color.NRGBA) error
	halt() error
}

type apa102Pixel struct {
	dev *apa102.Dev
}

func (p *apa102Pixel) write(c color.NRGBA) error {
	if _, err := p.dev.Write(apa102.ToRGB([]color.NRGBA{c})); err != nil {
		return fmt.Errorf("write to apa102: %w", err)
	}
	return nil
}

func (p *apa102Pixel) halt() error {
	return p.dev.Halt()
}

type dotstarPixel struct {
	dev *dotstar.LEDs
}

// dotstarColor converts c to a DotStar pixel at full global brightness.
func dotstarColor(c color.NRGBA) dotstar.RGBA {
	return dotstar.RGBA{R: c.R, G: c.G, B: c.B, A: 31}
}

func (p *dotstarPixel) write(c color.NRGBA) error {
	p.dev.SetRGBA(0, dotstarColor(c))
	if err := p.dev.Draw(); err != nil {
		return fmt.Errorf("write to dotstar: %w", err)
	}
	return nil
}

func (p *dotstarPixel) halt() error {
	p.dev.SetRGBA(0, dotstar.RGBA{})
	if err := p.dev.Draw(); err != nil {
		return fmt.Errorf("blank dotstar: %w", err)
	}
	return p.dev.Close()
}

// Screen is the backlight LED plus a record of what the tube is showing.
type Screen struct {
	pixel pixel

	mu    sync.Mutex
	color color.NRGBA // must hold mu
	digit int         // must hold mu; -1 is blank.
}

// New returns a Screen whose backlight is a single APA102 on p.  A nil p gives a Screen that only
// renders previews.
func New(p spi.Port) (*Screen, error) {
	s := &Screen{digit: -1, color: color.NRGBA{A: 0xff}}
	if p == nil {
		return s, nil
	}
	opts := &apa102.Opts{
		NumPixels:        1,
		Intensity:        255,
		Temperature:      apa102.NeutralTemp,
		DisableGlobalPWM: true,
	}
	dev, err := apa102.New(p, opts)
	if err != nil {
		return nil, fmt.Errorf("init apa102: %w", err)
	}
	s.pixel = &apa102Pixel{dev: dev}
	return s, nil
}

// NewDotstar returns a Screen whose backlight is the first LED of a DotStar strip on the spidev
// device at path.
func NewDotstar(path string) (*Screen, error) {
	dev, err := dotstar.Open(&xspi.Devfs{Dev: path, Mode: xspi.Mode3}, 1)
	if err != nil {
		return nil, fmt.Errorf("open dotstar: %w", err)
	}
	return &Screen{pixel: &dotstarPixel{dev: dev}, digit: -1, color: color.NRGBA{A: 0xff}}, nil
}

// SetColor shows r, g, b on the backlight.
func (s *Screen) SetColor(r, g, b uint8) error {
	c := color.NRGBA{R: r, G: g, B: b, A: 0xff}
	s.mu.Lock()
	s.color = c
	s.mu.Unlock()
	if s.pixel == nil {
		return nil
	}
	return s.pixel.write(c)
}

// SetDigit records the digit the tube is showing, or -1 for none.
func (s *Screen) SetDigit(d int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digit = d
}

// Blank turns the backlight off.
func (s *Screen) Blank() error {
	if err := s.SetColor(0, 0, 0); err != nil {
		return fmt.Errorf("blank backlight: %w", err)
	}
	return nil
}

// Close turns the backlight off and releases it.
func (s *Screen) Close() error {
	s.SetDigit(-1)
	if s.pixel == nil {
		return nil
	}
	if err := s.pixel.halt(); err != nil {
		return fmt.Errorf("halt backlight: %w", err)
	}
	return nil
}

// Image returns a small picture of the tube: the lit digit over the backlight's glow.
func (s *Screen) Image() *image.NRGBA {
	s.mu.Lock()
	c, d := s.color, s.digit
	s.mu.Unlock()

	img := image.NewNRGBA(image.Rect(0, 0, cols, rows))
	for x := 0; x < cols; x++ {
		for y := 0; y < rows; y++ {
			img.SetNRGBA(x, y, color.NRGBA{A: 0xff})
		}
		for y := rows - glowRows; y < rows; y++ {
			img.SetNRGBA(x, y, c)
		}
	}
	if d >= 0 && d <= 9 {
		drawer := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(glowColor),
			Face: basicfont.Face7x13,
			Dot:  fixed.P(3, 14),
		}
		drawer.DrawString(strconv.Itoa(d))
	}
	return img
}

// enlarge scales each pixel of src up to previewScale pixels, leaving a dark border.
func enlarge(src *image.NRGBA) *image.NRGBA {
	b := src.Bounds()
	img := image.NewNRGBA(image.Rect(0, 0, previewScale*b.Dx(), previewScale*b.Dy()))
	for x := 0; x < b.Dx(); x++ {
		for y := 0; y < b.Dy(); y++ {
			val := src.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			for i := 0; i < previewScale; i++ {
				for j := 0; j < previewScale; j++ {
					if i < previewSpace || i >= previewScale-previewSpace || j < previewSpace || j >= previewScale-previewSpace {
						img.SetNRGBA(x*previewScale+i, y*previewScale+j, color.NRGBA{A: 0xff})
						continue
					}
					img.SetNRGBA(x*previewScale+i, y*previewScale+j, val)
				}
			}
		}
	}
	return img
}

// ServeHTTP serves the current image as a PNG.
func (s *Screen) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Add("content-type", "image/png")
	w.WriteHeader(http.StatusOK)
	if err := png.Encode(w, enlarge(s.Image())); err != nil {
		log.Printf("encoding image: %v", err)
	}
}
