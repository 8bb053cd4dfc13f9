// Command tests serves a demo image origin for manual runs: every
// /img/<n>.png is a generated PNG of varying height.
package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

func render(n int) ([]byte, error) {
	w, h := 400, 300+(n*97)%500
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: uint8(n * 53), G: uint8(n * 101), B: uint8(n * 197), A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	err := png.Encode(&buf, img)
	return buf.Bytes(), err
}

func handler(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/urls.txt":
		host := string(ctx.Host())
		for i := 0; i < 100; i++ {
			fmt.Fprintf(ctx, "http://%s/img/%d.png\n", host, i)
		}
	case strings.HasPrefix(path, "/img/") && strings.HasSuffix(path, ".png"):
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(path, "/img/"), ".png"))
		if err != nil || n < 0 {
			ctx.Error("bad image id", fasthttp.StatusBadRequest)
			return
		}
		body, err := render(n)
		if err != nil {
			ctx.Error(err.Error(), fasthttp.StatusInternalServerError)
			return
		}
		ctx.SetContentType("image/png")
		ctx.SetBody(body)
	case path == "/slow.png":
		time.Sleep(5 * time.Second)
		body, _ := render(0)
		ctx.SetContentType("image/png")
		ctx.SetBody(body)
	case path == "/corrupt.png":
		ctx.SetContentType("image/png")
		ctx.SetBodyString("not a png")
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func main() {
	fmt.Println("Demo image origin running on :8081")
	if err := fasthttp.ListenAndServe(":8081", handler); err != nil {
		fmt.Println(err)
	}
}
