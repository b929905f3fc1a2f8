package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/google/uuid"

	"nanobanana/internal/kvstore"
)

const seedKey = "nano_banana_fp_seed"

// DeviceProfile carries the client-reported signals a fingerprint is
// derived from. Individual fields are free to drift slightly between
// sessions; the persisted seed keeps the identity stable anyway.
type DeviceProfile struct {
	UserAgent           string  `json:"user_agent"`
	Language            string  `json:"language"`
	Languages           string  `json:"languages"`
	Platform            string  `json:"platform"`
	CookiesEnabled      bool    `json:"cookies_enabled"`
	DoNotTrack          string  `json:"do_not_track"`
	ScreenWidth         int     `json:"screen_width"`
	ScreenHeight        int     `json:"screen_height"`
	ColorDepth          int     `json:"color_depth"`
	PixelRatio          float64 `json:"pixel_ratio"`
	Timezone            string  `json:"timezone"`
	TimezoneOffsetMin   int     `json:"timezone_offset_min"`
	HardwareConcurrency int     `json:"hardware_concurrency"`
	MaxTouchPoints      int     `json:"max_touch_points"`
	CanvasSignature     string  `json:"canvas_signature"`
	WebGLRenderer       string  `json:"webgl_renderer"`
	WebGLVendor         string  `json:"webgl_vendor"`
	AudioSampleRate     int     `json:"audio_sample_rate"`
}

func (p DeviceProfile) components() []string {
	dnt := p.DoNotTrack
	if dnt == "" {
		dnt = "unknown"
	}
	ratio := p.PixelRatio
	if ratio == 0 {
		ratio = 1
	}
	return []string{
		p.UserAgent,
		p.Language,
		p.Languages,
		p.Platform,
		strconv.FormatBool(p.CookiesEnabled),
		dnt,
		strconv.Itoa(p.ScreenWidth),
		strconv.Itoa(p.ScreenHeight),
		strconv.Itoa(p.ColorDepth),
		strconv.FormatFloat(ratio, 'f', -1, 64),
		p.Timezone,
		strconv.Itoa(p.TimezoneOffsetMin),
		strconv.Itoa(p.HardwareConcurrency),
		strconv.Itoa(p.MaxTouchPoints),
		p.CanvasSignature,
		p.WebGLRenderer,
		p.WebGLVendor,
		strconv.Itoa(p.AudioSampleRate),
	}
}

// fingerprint derives the pseudo-identity for a device profile. The device
// hash is combined with a random seed persisted on first run, so clearing
// storage yields a new identity while signal drift alone does not.
func fingerprint(p DeviceProfile, store kvstore.Store, now func() time.Time) string {
	base := hashString(strings.Join(p.components(), "|"))

	var seed string
	if raw, ok := store.Get(seedKey); ok && len(raw) > 0 {
		seed = string(raw)
	} else {
		seed = fmt.Sprintf("%d%s", now().UnixMilli(), uuid.NewString())
		_ = store.Set(seedKey, []byte(seed))
	}
	return hashString(base + seed)
}

// hashString is the rolling 31-hash the original client shipped with
// (h = h*31 + c over UTF-16 code units, truncated to 32 bits), rendered in
// base 36. It is deliberately non-cryptographic; collisions only merge two
// visitors' free budgets.
func hashString(s string) string {
	var h int32
	for _, u := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(u)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}
