// Package elevation looks up terrain height from RGB-encoded raster tiles.
// Decoded tiles are held in a bounded, expiring LRU and concurrent misses for
// the same tile collapse into a single upstream fetch.
package elevation

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"soaring_tracker/internal/metrics"
)

const (
	defaultZoom    = 12
	defaultSize    = 256
	defaultMaxAge  = 6 * time.Hour
	defaultTimeout = 15 * time.Second
)

// Fetcher retrieves the raw bytes of one tile.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches tiles with a plain HTTP GET.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher.
func (f HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// Options configures a Cache. URL is a template containing {z}, {x} and {y}.
type Options struct {
	URL     string
	Zoom    int
	Size    int // maximum number of tiles held
	MaxAge  time.Duration
	Fetcher Fetcher
	Logger  *slog.Logger
}

// Cache resolves terrain height for a position.
type Cache struct {
	url   string
	zoom  int
	fetch Fetcher
	tiles *expirable.LRU[string, *tile]
	group singleflight.Group
	log   *slog.Logger
}

// New returns a cache. Zero option values take defaults.
func New(opts Options) *Cache {
	if opts.Zoom <= 0 {
		opts.Zoom = defaultZoom
	}
	if opts.Size <= 0 {
		opts.Size = defaultSize
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.Fetcher == nil {
		opts.Fetcher = HTTPFetcher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Cache{
		url:   opts.URL,
		zoom:  opts.Zoom,
		fetch: opts.Fetcher,
		log:   opts.Logger.With(slog.String("component", "elevation")),
	}
	c.tiles = expirable.NewLRU[string, *tile](opts.Size, c.evicted, opts.MaxAge)
	return c
}

func (c *Cache) evicted(key string, _ *tile) {
	metrics.ElevationEvictionsTotal.Inc()
	c.log.Debug("tile evicted", slog.String("tile", key))
}

// Len returns the number of tiles held.
func (c *Cache) Len() int { return c.tiles.Len() }

// Lookup returns the terrain height in metres at lat/lon (degrees). When the
// tile cannot be fetched, or ctx ends first, the height is 0 and the error is
// returned. Failures are not cached so the next lookup retries.
func (c *Cache) Lookup(ctx context.Context, lat, lon float64) (float64, error) {
	tx, ty := tileCoords(lat, lon, c.zoom)
	ix, iy := int(math.Floor(tx)), int(math.Floor(ty))
	key := c.tileURL(ix, iy)

	t, ok := c.tiles.Get(key)
	if ok {
		metrics.ElevationLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		metrics.ElevationLookupsTotal.WithLabelValues("miss").Inc()
		ch := c.group.DoChan(key, func() (any, error) {
			if t, ok := c.tiles.Get(key); ok {
				return t, nil
			}
			// Detached from the first caller: joined lookups share the fetch.
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
			defer cancel()
			data, err := c.fetch.Fetch(fctx, key)
			if err != nil {
				metrics.ElevationFetchesTotal.WithLabelValues("error").Inc()
				return nil, err
			}
			t, err := decode(data)
			if err != nil {
				metrics.ElevationFetchesTotal.WithLabelValues("error").Inc()
				return nil, err
			}
			metrics.ElevationFetchesTotal.WithLabelValues("ok").Inc()
			c.tiles.Add(key, t)
			return t, nil
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return 0, fmt.Errorf("elevation tile %s: %w", key, ctx.Err())
		}
		if res.Err != nil {
			c.log.Warn("tile fetch failed", slog.String("tile", key), slog.Any("error", res.Err))
			return 0, fmt.Errorf("elevation tile %s: %w", key, res.Err)
		}
		t = res.Val.(*tile)
	}

	return t.at(tx-float64(ix), ty-float64(iy)), nil
}

func (c *Cache) tileURL(x, y int) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(c.zoom),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
	).Replace(c.url)
}

// tileCoords returns fractional web-mercator tile coordinates.
func tileCoords(lat, lon float64, zoom int) (float64, float64) {
	n := math.Exp2(float64(zoom))
	latRad := lat * math.Pi / 180
	x := (lon + 180) / 360 * n
	y := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	return x, y
}

type tile struct {
	w, h    int
	heights []float32
}

// at samples the pixel under the fractional position fx, fy in [0,1).
func (t *tile) at(fx, fy float64) float64 {
	px := min(int(fx*float64(t.w)), t.w-1)
	py := min(int(fy*float64(t.h)), t.h-1)
	return float64(t.heights[py*t.w+px])
}

// decode converts an RGB-encoded PNG into heights:
// -10000 + (R*65536 + G*256 + B) * 0.1 metres.
func decode(data []byte) (*tile, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode tile: %w", err)
	}
	return fromImage(img), nil
}

func fromImage(img image.Image) *tile {
	b := img.Bounds()
	t := &tile{w: b.Dx(), h: b.Dy()}
	t.heights = make([]float32, t.w*t.h)
	for y := 0; y < t.h; y++ {
		for x := 0; x < t.w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			v := float64((r>>8)*65536 + (g>>8)*256 + (bl >> 8))
			t.heights[y*t.w+x] = float32(-10000 + v*0.1)
		}
	}
	return t
}
