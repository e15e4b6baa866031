package audio

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	deviceHeaderRe = regexp.MustCompile(`^(Sink|Source) #\d+`)
	cardHeaderRe   = regexp.MustCompile(`^Card #\d+`)
	volumeRe       = regexp.MustCompile(`(\d+)%`)
	profileRe      = regexp.MustCompile(`^([A-Za-z0-9:_\.\-]+)\s*:\s*(.+)$`)
	quotedValueRe  = regexp.MustCompile(`"(.*)"`)
)

// parseDevices turns a `pactl list sinks` or `pactl list sources` listing
// into device records. A record opens on a "<Kind> #<n>" header line and is
// committed when the next header or the end of input is reached. A record
// without a Name: line is dropped; all other fields are optional.
func parseDevices(raw string) []Device {
	var devices []Device
	var cur *Device
	volumeSeen := false

	commit := func() {
		if cur != nil && cur.Name != "" {
			devices = append(devices, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if deviceHeaderRe.MatchString(trimmed) {
			commit()
			cur = &Device{}
			volumeSeen = false
			continue
		}
		if cur == nil {
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "Name:"):
			cur.Name = strings.TrimSpace(strings.TrimPrefix(trimmed, "Name:"))
		case strings.HasPrefix(trimmed, "Description:"):
			cur.Description = strings.TrimSpace(strings.TrimPrefix(trimmed, "Description:"))
		case strings.HasPrefix(trimmed, "Volume:") && !volumeSeen:
			if m := volumeRe.FindStringSubmatch(trimmed); m != nil {
				cur.Volume, _ = strconv.Atoi(m[1])
				volumeSeen = true
			}
		case strings.HasPrefix(trimmed, "Mute:"):
			cur.Muted = strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(trimmed, "Mute:")), "yes")
		}
	}
	commit()
	return devices
}

// parseCards turns a `pactl list cards` listing into cards, preserving
// enumeration order. The Profiles: header opens a sub-block of
// "key: label" lines that closes on the Active Profile: line.
func parseCards(raw string) []Card {
	var cards []Card
	var cur *Card
	inProfiles := false

	commit := func() {
		if cur != nil && cur.Name != "" {
			cards = append(cards, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if cardHeaderRe.MatchString(trimmed) {
			commit()
			cur = &Card{Profiles: make(map[string]string)}
			inProfiles = false
			continue
		}
		if cur == nil {
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "Name:"):
			cur.Name = strings.TrimSpace(strings.TrimPrefix(trimmed, "Name:"))
		case strings.HasPrefix(trimmed, "Active Profile:"):
			value := strings.TrimSpace(strings.TrimPrefix(trimmed, "Active Profile:"))
			if fields := strings.Fields(value); len(fields) > 0 {
				cur.ActiveProfile = fields[0]
			}
			inProfiles = false
		case trimmed == "Profiles:":
			inProfiles = true
		case inProfiles:
			if m := profileRe.FindStringSubmatch(trimmed); m != nil {
				cur.Profiles[m[1]] = strings.TrimSpace(m[2])
			}
		case strings.HasPrefix(trimmed, "device.description ="):
			if m := quotedValueRe.FindStringSubmatch(trimmed); m != nil {
				cur.Description = m[1]
			}
		case strings.HasPrefix(trimmed, "device.product.name =") && cur.Description == "":
			if m := quotedValueRe.FindStringSubmatch(trimmed); m != nil {
				cur.Description = m[1]
			}
		}
	}
	commit()
	return cards
}

// parseDefaults extracts the default sink and source names from
// `pactl info` output.
func parseDefaults(raw string) (sink, source string) {
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Default Sink:"):
			sink = strings.TrimSpace(strings.TrimPrefix(trimmed, "Default Sink:"))
		case strings.HasPrefix(trimmed, "Default Source:"):
			source = strings.TrimSpace(strings.TrimPrefix(trimmed, "Default Source:"))
		}
	}
	return sink, source
}

// BuildSnapshot assembles a snapshot from the raw output of the three
// underlying queries. PipeWire sometimes reports its own placeholder name
// as the default; when the device list is non-empty the first real device
// is substituted.
func BuildSnapshot(infoRaw, sinksRaw, sourcesRaw string) Snapshot {
	snap := Snapshot{
		Sinks:   parseDevices(sinksRaw),
		Sources: parseDevices(sourcesRaw),
	}
	snap.DefaultSink, snap.DefaultSource = parseDefaults(infoRaw)
	if strings.EqualFold(snap.DefaultSink, "pipewire") && len(snap.Sinks) > 0 {
		snap.DefaultSink = snap.Sinks[0].Name
	}
	if strings.EqualFold(snap.DefaultSource, "pipewire") && len(snap.Sources) > 0 {
		snap.DefaultSource = snap.Sources[0].Name
	}
	return snap
}
