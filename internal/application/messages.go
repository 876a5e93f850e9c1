package application

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed messages.yaml
var defaultMessagesYAML []byte

// Messages is the reply catalog. Placeholders are written as {key}.
type Messages struct {
	Welcome             string                      `yaml:"welcome"`
	Help                string                      `yaml:"help"`
	PairInstructions    string                      `yaml:"pair_instructions"`
	PairCommand         string                      `yaml:"pair_command"`
	ConnectUsage        string                      `yaml:"connect_usage"`
	Connected           string                      `yaml:"connected"`
	PartnerConnected    string                      `yaml:"partner_connected"`
	Disconnected        string                      `yaml:"disconnected"`
	PartnerDisconnected string                      `yaml:"partner_disconnected"`
	Status              string                      `yaml:"status"`
	SongSent            string                      `yaml:"song_sent"`
	SongReceived        string                      `yaml:"song_received"`
	SongListened        string                      `yaml:"song_listened"`
	ReminderHeader      string                      `yaml:"reminder_header"`
	ReminderLine        string                      `yaml:"reminder_line"`
	RequireStart        string                      `yaml:"require_start"`
	RequireConnection   string                      `yaml:"require_connection"`
	GenericFailure      string                      `yaml:"generic_failure"`
	UnknownUser         string                      `yaml:"unknown_user"`
	Errors              map[domain.ErrorKind]string `yaml:"errors"`
}

func DefaultMessages() (Messages, error) {
	var m Messages
	if err := yaml.Unmarshal(defaultMessagesYAML, &m); err != nil {
		return Messages{}, fmt.Errorf("parse default messages: %w", err)
	}
	return m, nil
}

// LoadMessages returns the default catalog with entries from path laid over it.
// An empty path returns the defaults.
func LoadMessages(path string) (Messages, error) {
	m, err := DefaultMessages()
	if err != nil {
		return Messages{}, err
	}
	if path == "" {
		return m, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Messages{}, fmt.Errorf("read messages file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Messages{}, fmt.Errorf("parse messages file %s: %w", path, err)
	}
	return m, nil
}

// Render replaces {key} placeholders; kv alternates keys and values.
func (m Messages) Render(tpl string, kv ...string) string {
	if len(kv) == 0 {
		return tpl
	}
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// ErrorText returns the reply for a business error kind.
func (m Messages) ErrorText(kind domain.ErrorKind) string {
	if text, ok := m.Errors[kind]; ok && text != "" {
		return text
	}
	return m.GenericFailure
}
