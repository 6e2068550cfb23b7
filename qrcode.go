package main

import (
	"bytes"
	"github.com/skip2/go-qrcode"
	"golang.org/x/image/draw"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// loadQrThumbnail reads the optional image drawn in the middle of invoice QR codes.
func loadQrThumbnail(fileName string) []byte {
	if fileName == "" {
		return nil
	}

	thumbnailData, err := os.ReadFile(fileName)
	if err != nil {
		log.Fatal(err)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(thumbnailData)); err != nil {
		logInvalidValue("qr-thumbnail", fileName)
	}

	return thumbnailData
}

func encodeQrCode(invoice Invoice, thumbnailData []byte, size int, disableBorder bool) ([]byte, error) {
	qrCode, err := qrcode.New("lightning:"+strings.ToUpper(invoice.String()), qrcode.Medium)
	if err != nil {
		return nil, err
	}
	qrCode.DisableBorder = disableBorder

	if len(thumbnailData) == 0 {
		return qrCode.PNG(size)
	}

	thumbnailImage, _, err := image.Decode(bytes.NewReader(thumbnailData))
	if err != nil {
		return nil, err
	}

	qrCodeImage := qrCode.Image(size)
	bounds := qrCodeImage.Bounds()
	thumbnailRect := thumbnailRectangle(bounds.Size(), thumbnailImage.Bounds().Size())

	rgbaImage := image.NewRGBA(bounds)
	draw.Draw(rgbaImage, bounds, qrCodeImage, image.Point{}, draw.Over)
	draw.CatmullRom.Scale(rgbaImage, thumbnailRect, thumbnailImage, thumbnailImage.Bounds(), draw.Over, nil)

	var pngData bytes.Buffer
	pngEncoder := png.Encoder{CompressionLevel: png.BestCompression}
	if err := pngEncoder.Encode(&pngData, rgbaImage); err != nil {
		return nil, err
	}

	return pngData.Bytes(), nil
}

// thumbnailRectangle centers the thumbnail within a fifth of the QR code, keeping its aspect ratio.
func thumbnailRectangle(qrCodeSize image.Point, thumbnailSize image.Point) image.Rectangle {
	destSize := qrCodeSize.Div(5)
	if thumbnailSize.X < thumbnailSize.Y {
		destSize.X = thumbnailSize.X * destSize.Y / thumbnailSize.Y
	} else if thumbnailSize.X > thumbnailSize.Y {
		destSize.Y = thumbnailSize.Y * destSize.X / thumbnailSize.X
	}

	offset := qrCodeSize.Sub(destSize).Div(2)
	return image.Rectangle{Min: offset, Max: offset.Add(destSize)}
}
