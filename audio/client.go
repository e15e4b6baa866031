package audio

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const commandTimeout = 3 * time.Second

// A2DPSinkProfile is the high quality stereo output profile of a
// Bluetooth card.
const A2DPSinkProfile = "a2dp_sink"

// OffProfile is the reserved profile key that powers a card down.
const OffProfile = "off"

const (
	cardNamePrefix   = "bluez_card."
	sinkNamePrefix   = "bluez_sink."
	sourceNamePrefix = "bluez_source."
)

// CommandRunner executes the pactl binary with the given arguments and
// returns its stdout. Implementations must honor the context deadline.
type CommandRunner func(ctx context.Context, args ...string) (string, error)

// Client drives the sound server through the pactl CLI. All mutations are
// fire-and-forget; success is confirmed by re-querying, never inferred
// from the command's own exit status.
type Client struct {
	binary string
	run    CommandRunner

	mu          sync.Mutex
	lastProfile map[string]string
}

// NewClient returns a client invoking the given pactl binary. An empty
// binary name falls back to "pactl" from PATH.
func NewClient(binary string) *Client {
	c := &Client{
		binary:      binary,
		lastProfile: make(map[string]string),
	}
	if c.binary == "" {
		c.binary = "pactl"
	}
	c.run = c.execRun
	return c
}

func (c *Client) execRun(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	// Field labels must stay in English for the parser.
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	out, err := cmd.Output()
	return string(out), err
}

// pactl runs one subcommand under the shared time bound. A timeout or
// failure maps to empty output so a stuck sound server never takes the
// caller down with it; the caller must treat empty output as unknown.
func (c *Client) pactl(args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	out, err := c.run(ctx, args...)
	if err != nil {
		log.Printf("pactl %s: %v", strings.Join(args, " "), err)
		return ""
	}
	return out
}

// GetSnapshot runs the three underlying queries and parses them into one
// combined snapshot.
func (c *Client) GetSnapshot() Snapshot {
	info := c.pactl("info")
	sinks := c.pactl("list", "sinks")
	sources := c.pactl("list", "sources")
	return BuildSnapshot(info, sinks, sources)
}

func (c *Client) SetDefaultSink(name string) {
	c.pactl("set-default-sink", name)
}

func (c *Client) SetDefaultSource(name string) {
	c.pactl("set-default-source", name)
}

func validKind(kind string) bool {
	return kind == "sink" || kind == "source"
}

// SetVolume sets the volume of one sink or source, clamped to [0,100].
func (c *Client) SetVolume(kind, name string, percent int) {
	if !validKind(kind) {
		log.Printf("Ignoring volume request for unknown device kind %q", kind)
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	c.pactl("set-"+kind+"-volume", name, fmt.Sprintf("%d%%", percent))
}

func (c *Client) SetMute(kind, name string, muted bool) {
	if !validKind(kind) {
		log.Printf("Ignoring mute request for unknown device kind %q", kind)
		return
	}
	value := "no"
	if muted {
		value = "yes"
	}
	c.pactl("set-"+kind+"-mute", name, value)
}

func (c *Client) GetMute(kind, name string) bool {
	if !validKind(kind) {
		return false
	}
	out := c.pactl("get-"+kind+"-mute", name)
	return strings.Contains(strings.ToLower(out), "yes")
}

// ListCards returns all cards in enumeration order.
func (c *Client) ListCards() []Card {
	return parseCards(c.pactl("list", "cards"))
}

func (c *Client) SetCardProfile(cardName, profile string) {
	c.pactl("set-card-profile", cardName, profile)
}

// AddressToken converts a Bluetooth MAC address into the token pactl
// embeds in bluez device names.
func AddressToken(address string) string {
	return strings.ToLower(strings.ReplaceAll(address, ":", "_"))
}

// CardPrefixForAddress derives the card name prefix for a Bluetooth
// address, e.g. "bluez_card.aa_bb_cc_dd_ee_ff".
func CardPrefixForAddress(address string) string {
	return cardNamePrefix + AddressToken(address)
}

// SinkPrefixForAddress derives the sink name prefix for a Bluetooth address.
func SinkPrefixForAddress(address string) string {
	return sinkNamePrefix + AddressToken(address)
}

// SourcePrefixForAddress derives the source name prefix for a Bluetooth
// address.
func SourcePrefixForAddress(address string) string {
	return sourceNamePrefix + AddressToken(address)
}

// FindCardForAddress locates the card backing a Bluetooth device by its
// derived name prefix. The naming convention is observed behavior, not a
// contract, so multiple matches are possible; the most recently enumerated
// one wins.
func (c *Client) FindCardForAddress(address string) (string, bool) {
	prefix := CardPrefixForAddress(address)
	var match string
	for _, card := range c.ListCards() {
		if strings.HasPrefix(card.Name, prefix) {
			match = card.Name
		}
	}
	return match, match != ""
}

// SetCardPower toggles a card through the reserved "off" profile. Powering
// off remembers the active profile so powering back on can restore it.
func (c *Client) SetCardPower(cardName string, on bool) {
	var card *Card
	cards := c.ListCards()
	for i := range cards {
		if cards[i].Name == cardName {
			card = &cards[i]
			break
		}
	}
	if card == nil {
		log.Printf("Card %s not found, cannot change power state", cardName)
		return
	}

	if !on {
		if card.ActiveProfile != OffProfile {
			c.mu.Lock()
			c.lastProfile[cardName] = card.ActiveProfile
			c.mu.Unlock()
		}
		c.SetCardProfile(cardName, OffProfile)
		return
	}

	c.mu.Lock()
	restore := c.lastProfile[cardName]
	c.mu.Unlock()
	if restore == "" || restore == OffProfile {
		restore = fallbackProfile(card)
	}
	if restore == "" {
		log.Printf("Card %s has no usable profile to restore", cardName)
		return
	}
	c.SetCardProfile(cardName, restore)
}

// fallbackProfile picks a profile for a card with no remembered one,
// preferring A2DP output when the card offers it.
func fallbackProfile(card *Card) string {
	if _, ok := card.Profiles[A2DPSinkProfile]; ok {
		return A2DPSinkProfile
	}
	for key := range card.Profiles {
		if key != OffProfile {
			return key
		}
	}
	return ""
}
