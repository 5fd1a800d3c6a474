package steam

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/zulandar/sge/internal/logging"
	"github.com/zulandar/sge/internal/models"
)

// ReleaseDateLayout is the normalized release date format.
const ReleaseDateLayout = "2006/01/02"

// releaseDateLayouts are tried in order. Store pages render dates in the
// viewer's locale, so this list is best effort.
var releaseDateLayouts = []string{
	"2 Jan, 2006",
	"Jan 2, 2006",
	"2 Jan 2006",
	"2. Jan. 2006",
	"January 2, 2006",
	"2 January, 2006",
	"Jan 2006",
}

var simpleHTML = regexp.MustCompile(`<[^>]*>`)

type appDetailsData struct {
	Type               string    `json:"type"`
	Name               string    `json:"name"`
	RequiredAge        flexInt   `json:"required_age"`
	IsFree             bool      `json:"is_free"`
	ControllerSupport  string    `json:"controller_support"`
	SupportedLanguages string    `json:"supported_languages"`
	Developers         []string  `json:"developers"`
	Publishers         []string  `json:"publishers"`
	Platforms          *platform `json:"platforms"`
	Categories         []named   `json:"categories"`
	Genres             []named   `json:"genres"`
	ReleaseDate        struct {
		ComingSoon bool   `json:"coming_soon"`
		Date       string `json:"date"`
	} `json:"release_date"`
}

type platform struct {
	Windows *bool `json:"windows"`
	Mac     *bool `json:"mac"`
	Linux   *bool `json:"linux"`
}

type named struct {
	Description string `json:"description"`
}

// flexInt accepts both 18 and "18"; the store uses either for required_age.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		// Values like "18+" show up occasionally; keep the leading digits.
		digits := strings.TrimRightFunc(string(b), func(r rune) bool { return r < '0' || r > '9' })
		n, _ = strconv.Atoi(digits)
	}
	*f = flexInt(n)
	return nil
}

// ParseAppDetails builds a cache row from the "data" object of an appdetails
// response. Missing fields are left empty; an unrecognized release date is
// kept as-is.
func ParseAppDetails(appID int64, data []byte, now time.Time) (*models.GameInfo, error) {
	var d appDetailsData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("steam: parse appdetails %d: %w", appID, err)
	}

	info := &models.GameInfo{
		AppID:              appID,
		Name:               d.Name,
		Type:               d.Type,
		Developers:         strings.Join(d.Developers, ",\n"),
		Publishers:         strings.Join(d.Publishers, ",\n"),
		IsFree:             d.IsFree,
		SupportedLanguages: cleanLanguages(d.SupportedLanguages),
		ControllerSupport:  d.ControllerSupport,
		AgeGate:            int(d.RequiredAge),
		Categories:         joinDescriptions(d.Categories),
		Genres:             joinDescriptions(d.Genres),
		ReleaseDate:        NormalizeReleaseDate(d.ReleaseDate.Date),
		FetchedAt:          now.Unix(),
	}
	if d.Platforms != nil {
		info.OnWindows = d.Platforms.Windows
		info.OnMac = d.Platforms.Mac
		info.OnLinux = d.Platforms.Linux
	}
	return info, nil
}

// NormalizeReleaseDate rewrites raw as YYYY/MM/DD when it matches a known
// layout and returns it unchanged otherwise.
func NormalizeReleaseDate(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range releaseDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(ReleaseDateLayout)
		}
	}
	logging.Warn().Str("release_date", raw).Msg("release date does not match any known format")
	return raw
}

func cleanLanguages(s string) string {
	s = strings.ReplaceAll(s, "<br>", "\n")
	return simpleHTML.ReplaceAllString(s, "")
}

func joinDescriptions(items []named) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, it.Description)
	}
	return strings.Join(parts, ",\n")
}
