// Package imgconv converts image.Image frames into OpenCV Mats for the
// local cascade detector. Webcam tracks normally deliver YCbCr frames,
// so that path avoids the generic per-pixel interface.
package imgconv

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// ToMat converts a frame to a BGR Mat. The caller owns the returned Mat
// and must Close it.
func ToMat(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: nil image")
	}
	bounds := img.Bounds()
	if bounds.Empty() {
		return gocv.NewMat(), fmt.Errorf("imgconv: empty image bounds")
	}

	switch im := img.(type) {
	case *image.YCbCr:
		return convertYCbCr(im)
	case *image.RGBA:
		return convertRGBA(im)
	case *image.Gray:
		return convertGray(im)
	default:
		return convertGeneric(img)
	}
}

// convertYCbCr handles any chroma subsampling; YOffset/COffset resolve
// the plane indexing per ratio.
func convertYCbCr(im *image.YCbCr) (gocv.Mat, error) {
	bounds := im.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("imgconv: mat data pointer: %w", err)
	}

	idx := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yi := im.YOffset(x+bounds.Min.X, y+bounds.Min.Y)
			ci := im.COffset(x+bounds.Min.X, y+bounds.Min.Y)
			r, g, b := color.YCbCrToRGB(im.Y[yi], im.Cb[ci], im.Cr[ci])
			data[idx+0] = b
			data[idx+1] = g
			data[idx+2] = r
			idx += 3
		}
	}
	return mat, nil
}

func convertRGBA(im *image.RGBA) (gocv.Mat, error) {
	w, h := im.Rect.Dx(), im.Rect.Dy()

	buf := make([]byte, 4*w*h)
	for y := 0; y < h; y++ {
		src := im.PixOffset(im.Rect.Min.X, im.Rect.Min.Y+y)
		copy(buf[y*4*w:(y+1)*4*w], im.Pix[src:src+4*w])
	}

	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: mat from RGBA: %w", err)
	}
	out := gocv.NewMat()
	gocv.CvtColor(mat, &out, gocv.ColorRGBAToBGR)
	mat.Close()
	return out, nil
}

func convertGray(im *image.Gray) (gocv.Mat, error) {
	w, h := im.Rect.Dx(), im.Rect.Dy()

	buf := make([]byte, w*h)
	for y := 0; y < h; y++ {
		src := im.PixOffset(im.Rect.Min.X, im.Rect.Min.Y+y)
		copy(buf[y*w:(y+1)*w], im.Pix[src:src+w])
	}

	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC1, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("imgconv: mat from Gray: %w", err)
	}
	out := gocv.NewMat()
	gocv.CvtColor(mat, &out, gocv.ColorGrayToBGR)
	mat.Close()
	return out, nil
}

func convertGeneric(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("imgconv: mat data pointer: %w", err)
	}

	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data[idx+0] = uint8(b >> 8)
			data[idx+1] = uint8(g >> 8)
			data[idx+2] = uint8(r >> 8)
			idx += 3
		}
	}
	return mat, nil
}
