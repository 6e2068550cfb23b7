package main

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"
)

func thumbnailPng(t *testing.T, width int, height int) []byte {
	thumbnail := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			thumbnail.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	var pngData bytes.Buffer
	require.NoError(t, png.Encode(&pngData, thumbnail))
	return pngData.Bytes()
}

func TestEncodeQrCode(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		pngData, err := encodeQrCode(testInvoice, nil, 256, true)
		require.NoError(t, err)

		qrCodeImage, err := png.Decode(bytes.NewReader(pngData))
		require.NoError(t, err)
		assert.Equal(t, 256, qrCodeImage.Bounds().Dx())
		assert.Equal(t, 256, qrCodeImage.Bounds().Dy())

		red, green, blue, _ := qrCodeImage.At(128, 128).RGBA()
		assert.Equal(t, red, green)
		assert.Equal(t, green, blue)
	})

	t.Run("thumbnail", func(t *testing.T) {
		pngData, err := encodeQrCode(testInvoice, thumbnailPng(t, 40, 20), 256, true)
		require.NoError(t, err)

		qrCodeImage, err := png.Decode(bytes.NewReader(pngData))
		require.NoError(t, err)
		assert.Equal(t, 256, qrCodeImage.Bounds().Dx())

		red, green, blue, _ := qrCodeImage.At(128, 128).RGBA()
		assert.Greater(t, red, uint32(0xf000))
		assert.Less(t, green, uint32(0x1000))
		assert.Less(t, blue, uint32(0x1000))
	})

	t.Run("invalid_thumbnail", func(t *testing.T) {
		_, err := encodeQrCode(testInvoice, []byte("not an image"), 256, true)
		assert.Error(t, err)
	})
}

func TestThumbnailRectangle(t *testing.T) {
	qrCodeSize := image.Pt(250, 250)
	assert.Equal(t, image.Rect(100, 100, 150, 150), thumbnailRectangle(qrCodeSize, image.Pt(64, 64)))
	assert.Equal(t, image.Rect(100, 112, 150, 137), thumbnailRectangle(qrCodeSize, image.Pt(40, 20)))
	assert.Equal(t, image.Rect(112, 100, 137, 150), thumbnailRectangle(qrCodeSize, image.Pt(20, 40)))
}

func TestLoadQrThumbnail(t *testing.T) {
	assert.Nil(t, loadQrThumbnail(""))

	thumbnailFileName := t.TempDir() + pathSeparator + "thumbnail.png"
	thumbnailData := thumbnailPng(t, 16, 16)
	require.NoError(t, os.WriteFile(thumbnailFileName, thumbnailData, 0600))
	assert.Equal(t, thumbnailData, loadQrThumbnail(thumbnailFileName))
}

func TestFormatSats(t *testing.T) {
	assert.Equal(t, "1,000 sats", formatSats(1000))
	assert.Equal(t, "21 sats", formatSats(21))
	assert.Equal(t, "1,000,000 sats", formatSats(1_000_000))
}
