package desired

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

// StoreScheme prefixes application locators that refer to a package
// repository rather than a downloadable artifact.
const StoreScheme = "store:"

// AppDirective describes one application the authority wants present or removed.
type AppDirective struct {
	Package         string `json:"pkg"`
	Name            string `json:"name,omitempty"`
	Version         string `json:"version,omitempty"`
	URL             string `json:"url,omitempty"`
	RunAtBoot       bool   `json:"runAtBoot,omitempty"`
	RunAfterInstall bool   `json:"runAfterInstall,omitempty"`
	Remove          bool   `json:"remove,omitempty"`
}

// Identity returns the package identifier.
func (d AppDirective) Identity() string {
	return strings.TrimSpace(d.Package)
}

// FromStore reports whether the locator is a repository reference.
func (d AppDirective) FromStore() bool {
	return strings.HasPrefix(strings.TrimSpace(d.URL), StoreScheme)
}

// StoreRef returns the repository reference without the scheme.
func (d AppDirective) StoreRef() string {
	return strings.TrimPrefix(strings.TrimSpace(d.URL), StoreScheme)
}

// FileDirective describes one provisioned file.
type FileDirective struct {
	Path       string `json:"path"`
	URL        string `json:"url,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	LastUpdate int64  `json:"lastUpdate,omitempty"`
	Remove     bool   `json:"remove,omitempty"`
}

// Identity returns the normalized target path used to match local records.
func (d FileDirective) Identity() string {
	return NormalizePath(d.Path)
}

// NormalizePath cleans a directive path and folds it to Unicode NFC so that
// decomposed and composed spellings of the same name share one record.
func NormalizePath(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = norm.NFC.String(strings.ReplaceAll(value, "\\", "/"))
	cleaned := path.Clean("/" + value)
	return strings.TrimPrefix(cleaned, "/")
}

// Settings carries optional system settings. Nil fields are left untouched.
type Settings struct {
	TimeZone      *string `json:"timeZone,omitempty"`
	Wifi          *bool   `json:"wifi,omitempty"`
	Bluetooth     *bool   `json:"bluetooth,omitempty"`
	ScreenTimeout *int    `json:"screenTimeout,omitempty"`
}

// Pairs flattens the settings into key/value pairs in a fixed order.
func (s Settings) Pairs() [][2]string {
	var pairs [][2]string
	if s.TimeZone != nil {
		pairs = append(pairs, [2]string{"timezone", *s.TimeZone})
	}
	if s.Wifi != nil {
		pairs = append(pairs, [2]string{"wifi", fmt.Sprint(*s.Wifi)})
	}
	if s.Bluetooth != nil {
		pairs = append(pairs, [2]string{"bluetooth", fmt.Sprint(*s.Bluetooth)})
	}
	if s.ScreenTimeout != nil {
		pairs = append(pairs, [2]string{"screen_timeout", fmt.Sprint(*s.ScreenTimeout)})
	}
	return pairs
}

// Config is one immutable desired-state snapshot from the authority.
// Callers must treat a decoded Config as read-only; a newer fetch replaces it
// as a whole.
type Config struct {
	Applications []AppDirective  `json:"applications,omitempty"`
	Files        []FileDirective `json:"files,omitempty"`

	Lock        bool   `json:"lock,omitempty"`
	LockMessage string `json:"lockMessage,omitempty"`
	KioskMode   bool   `json:"kioskMode,omitempty"`
	MainApp     string `json:"mainApp,omitempty"`

	FactoryReset  bool   `json:"factoryReset,omitempty"`
	Reboot        bool   `json:"reboot,omitempty"`
	PasswordReset string `json:"passwordReset,omitempty"`

	NewServerURL string `json:"newServerUrl,omitempty"`

	Settings Settings `json:"settings,omitempty"`

	Title              string `json:"title,omitempty"`
	BackgroundColor    string `json:"backgroundColor,omitempty"`
	TextColor          string `json:"textColor,omitempty"`
	BackgroundImageURL string `json:"backgroundImageUrl,omitempty"`
}

// Decode parses and validates a configuration document.
func Decode(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode desired config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Encode returns the canonical JSON form of the configuration.
func (c *Config) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Revision returns a stable digest of the canonical document. Two snapshots
// with the same revision describe the same desired state.
func (c *Config) Revision() string {
	if c == nil {
		return ""
	}
	data, err := c.Encode()
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// HasEscalation reports whether any escalation directive is present.
func (c *Config) HasEscalation() bool {
	return c != nil && (c.FactoryReset || c.Reboot || c.PasswordReset != "")
}
