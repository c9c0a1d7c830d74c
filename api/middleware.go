package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DecompressRequests unwraps gzip request bodies before they reach the
// handlers. Bodies in any other content coding are refused with 415 and
// malformed gzip with 400.
func DecompressRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			codings := contentCodings(req.Header.Get(echo.HeaderContentEncoding))
			if len(codings) == 0 {
				return next(c)
			}
			if len(codings) > 1 || codings[0] != "gzip" {
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding")
			}

			body := req.Body
			zr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			req.Body = &gunzipBody{zr: zr, raw: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

// contentCodings lists the codings of a Content-Encoding header, lower-cased
// and without "identity".
func contentCodings(header string) []string {
	var out []string
	for _, enc := range strings.Split(header, ",") {
		enc = strings.ToLower(strings.TrimSpace(enc))
		if enc == "" || enc == "identity" {
			continue
		}
		out = append(out, enc)
	}
	return out
}

type gunzipBody struct {
	zr  *gzip.Reader
	raw io.Closer
}

func (g *gunzipBody) Read(p []byte) (int, error) { return g.zr.Read(p) }

func (g *gunzipBody) Close() error {
	err := g.zr.Close()
	if cerr := g.raw.Close(); err == nil {
		err = cerr
	}
	return err
}
