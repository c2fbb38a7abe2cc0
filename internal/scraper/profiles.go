package scraper

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// PriceFormat is a closed enumeration of currency text layouts. Profiles
// pick a format instead of carrying executable transforms, so site rules
// stay declarative and validatable.
type PriceFormat string

const (
	// FormatPlain handles "$1299.99" and "$1299,99".
	FormatPlain PriceFormat = "plain"
	// FormatCommaDecimal handles "$ 1299,99" where the comma is the only
	// separator.
	FormatCommaDecimal PriceFormat = "comma-decimal"
	// FormatDotThousands handles "$ 1.299.999,50" with dot thousands
	// groups and a comma decimal.
	FormatDotThousands PriceFormat = "dot-thousands"
)

// SelectorProfile describes how to locate product data on pages of one
// domain.
type SelectorProfile struct {
	PriceSelector string        `yaml:"price_selector"`
	NameSelector  string        `yaml:"name_selector"`
	ImageSelector string        `yaml:"image_selector"`
	PriceFormat   PriceFormat   `yaml:"price_format"`
	BaseDelay     time.Duration `yaml:"-"`
	BaseDelayMs   int           `yaml:"base_delay_ms"`
	UseBrowser    bool          `yaml:"use_browser"`
}

// ProfileSet maps hostnames to selector profiles with a catch-all default.
type ProfileSet struct {
	profiles map[string]SelectorProfile
	fallback SelectorProfile
}

type profileFile struct {
	Profiles map[string]SelectorProfile `yaml:"profiles"`
	Default  *SelectorProfile           `yaml:"default"`
}

// DefaultProfiles returns the built-in site rules.
func DefaultProfiles() *ProfileSet {
	return &ProfileSet{
		profiles: map[string]SelectorProfile{
			"www.venex.com.ar": {
				PriceSelector: ".textPrecio",
				NameSelector:  ".title-product h1",
				ImageSelector: ".img-container img",
				PriceFormat:   FormatCommaDecimal,
				BaseDelay:     2 * time.Second,
			},
			"compragamer.com": {
				PriceSelector: ".product-details__info__special-price__price__value span, .mat-mdc-tooltip-trigger.product-details__info__special-price__price span",
				NameSelector:  "h1.product-details__info__title, h1.product-title, .title h1",
				ImageSelector: ".product-details__image img, .product-gallery img, .product-image-container img",
				PriceFormat:   FormatDotThousands,
				BaseDelay:     3 * time.Second,
				UseBrowser:    true,
			},
		},
		fallback: defaultProfile(),
	}
}

func defaultProfile() SelectorProfile {
	return SelectorProfile{
		PriceSelector: "span.price, .price, .product-price",
		NameSelector:  "h1, .product-title, .product-name",
		ImageSelector: ".product-image img, .product-photo img",
		PriceFormat:   FormatPlain,
		BaseDelay:     3 * time.Second,
	}
}

// LoadProfiles reads site rules from a YAML file, merging them over the
// built-in defaults. Unknown price formats abort startup rather than
// silently misparse prices.
func LoadProfiles(path string) (*ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	set := DefaultProfiles()
	for host, profile := range file.Profiles {
		normalized, err := normalizeProfile(profile)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", host, err)
		}
		set.profiles[host] = normalized
	}
	if file.Default != nil {
		normalized, err := normalizeProfile(*file.Default)
		if err != nil {
			return nil, fmt.Errorf("default profile: %w", err)
		}
		set.fallback = normalized
	}
	return set, nil
}

func normalizeProfile(p SelectorProfile) (SelectorProfile, error) {
	base := defaultProfile()
	if p.PriceSelector == "" {
		p.PriceSelector = base.PriceSelector
	}
	if p.NameSelector == "" {
		p.NameSelector = base.NameSelector
	}
	if p.ImageSelector == "" {
		p.ImageSelector = base.ImageSelector
	}
	switch p.PriceFormat {
	case FormatPlain, FormatCommaDecimal, FormatDotThousands:
	case "":
		p.PriceFormat = FormatPlain
	default:
		return p, fmt.Errorf("unknown price format %q", p.PriceFormat)
	}
	if p.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(p.BaseDelayMs) * time.Millisecond
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = base.BaseDelay
	}
	return p, nil
}

// Lookup returns the profile for a hostname, falling back to the default
// rules for unrecognized domains.
func (s *ProfileSet) Lookup(hostname string) SelectorProfile {
	if profile, ok := s.profiles[hostname]; ok {
		return profile
	}
	return s.fallback
}

var (
	nonNumericComma = regexp.MustCompile(`[^\d,]`)
	nonNumericBoth  = regexp.MustCompile(`[^\d.,]`)
)

// ParsePrice turns raw price text into a number according to the format.
// Returns 0 for text that does not contain a parseable price.
func ParsePrice(text string, format PriceFormat) float64 {
	var cleaned string
	switch format {
	case FormatCommaDecimal:
		cleaned = nonNumericComma.ReplaceAllString(text, "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	case FormatDotThousands:
		cleaned = nonNumericBoth.ReplaceAllString(text, "")
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	default:
		cleaned = nonNumericBoth.ReplaceAllString(text, "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	}

	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return price
}
