package bluetooth

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/postman721/Blue-Pulse/audio"
	"github.com/postman721/Blue-Pulse/utils"
)

func testTimings() Timings {
	return Timings{
		ScanDwell:        30 * time.Millisecond,
		ScanPollInterval: 10 * time.Millisecond,
		PairSettle:       time.Millisecond,
		ConnectSettle:    time.Millisecond,
		ProfileTotal:     30 * time.Millisecond,
		ProfileInterval:  5 * time.Millisecond,
		RefreshDebounce:  20 * time.Millisecond,
		ReconnectDelay:   time.Millisecond,
		ReconnectSettle:  time.Millisecond,
	}
}

func devPath(address string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/hci0/dev_" + strings.ReplaceAll(address, ":", "_"))
}

type fakeDirectory struct {
	mu           sync.Mutex
	devices      []utils.BluetoothDeviceInfo
	pairErr      error
	connectErr   error
	trustedCalls []dbus.ObjectPath
	pairCalls    []dbus.ObjectPath
	connectCalls []dbus.ObjectPath
	removeCalls  []dbus.ObjectPath
	startCalls   int
	stopCalls    int
	sigChan      chan *dbus.Signal
}

func (f *fakeDirectory) FindAdapterPath() (dbus.ObjectPath, error) {
	return "/org/bluez/hci0", nil
}

func (f *fakeDirectory) FindDevicePath(address string) (dbus.ObjectPath, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if strings.EqualFold(d.Address, address) {
			return devPath(d.Address), true, nil
		}
	}
	return "", false, nil
}

func (f *fakeDirectory) ListDevices() ([]utils.BluetoothDeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]utils.BluetoothDeviceInfo(nil), f.devices...), nil
}

func (f *fakeDirectory) ListPaired() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	paired := make(map[string]string)
	for _, d := range f.devices {
		if d.Paired {
			paired[d.Address] = d.Name
		}
	}
	return paired, nil
}

func (f *fakeDirectory) DeviceConnected(path dbus.ObjectPath) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if devPath(d.Address) == path {
			return d.Connected, nil
		}
	}
	return false, nil
}

func (f *fakeDirectory) SetTrusted(path dbus.ObjectPath, trusted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trustedCalls = append(f.trustedCalls, path)
	return nil
}

func (f *fakeDirectory) Pair(path dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairCalls = append(f.pairCalls, path)
	return f.pairErr
}

func (f *fakeDirectory) Connect(path dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls = append(f.connectCalls, path)
	return f.connectErr
}

func (f *fakeDirectory) RemoveDevice(adapter, device dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, device)
	return nil
}

func (f *fakeDirectory) StartDiscovery(adapter dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return nil
}

func (f *fakeDirectory) StopDiscovery(adapter dbus.ObjectPath) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeDirectory) SubscribePropertyChanges() (chan *dbus.Signal, error) {
	if f.sigChan == nil {
		f.sigChan = make(chan *dbus.Signal, 16)
	}
	return f.sigChan, nil
}

func (f *fakeDirectory) setDevices(devices []utils.BluetoothDeviceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

type fakeAudio struct {
	mu             sync.Mutex
	snapshot       audio.Snapshot
	cards          []audio.Card
	profileCalls   [][2]string
	defaultSinks   []string
	defaultSources []string
}

func (f *fakeAudio) GetSnapshot() audio.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeAudio) SetDefaultSink(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultSinks = append(f.defaultSinks, name)
}

func (f *fakeAudio) SetDefaultSource(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultSources = append(f.defaultSources, name)
}

func (f *fakeAudio) ListCards() []audio.Card {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]audio.Card(nil), f.cards...)
}

func (f *fakeAudio) SetCardProfile(cardName, profile string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls = append(f.profileCalls, [2]string{cardName, profile})
}

func (f *fakeAudio) FindCardForAddress(address string) (string, bool) {
	prefix := audio.CardPrefixForAddress(address)
	var match string
	for _, c := range f.ListCards() {
		if strings.HasPrefix(c.Name, prefix) {
			match = c.Name
		}
	}
	return match, match != ""
}

type fakePrefs struct {
	mu   sync.Mutex
	last string
}

func (p *fakePrefs) LastDevice() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *fakePrefs) SetLastDevice(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = address
}

type recordingHub struct {
	mu     sync.Mutex
	events []utils.WebSocketEvent
}

func (h *recordingHub) Broadcast(event utils.WebSocketEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingHub) byType(eventType string) []utils.WebSocketEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var matched []utils.WebSocketEvent
	for _, e := range h.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

func (h *recordingHub) waitFor(t *testing.T, eventType string) utils.WebSocketEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := h.byType(eventType); len(events) > 0 {
			return events[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %s event within deadline", eventType)
	return utils.WebSocketEvent{}
}

func newTestOrchestrator(dir *fakeDirectory, fa *fakeAudio) (*Orchestrator, *recordingHub, *fakePrefs) {
	hub := &recordingHub{}
	prefs := &fakePrefs{}
	return NewOrchestrator(dir, fa, hub, prefs, testTimings()), hub, prefs
}

const addr = "AA:BB:CC:DD:EE:FF"

func TestPairSequenceHappyPath(t *testing.T) {
	dir := &fakeDirectory{devices: []utils.BluetoothDeviceInfo{{Address: addr, Name: "Headset"}}}
	o, _, _ := newTestOrchestrator(dir, &fakeAudio{})

	result := o.pairSequence(addr)
	if !result.Success {
		t.Fatalf("pairSequence failed: %s", result.Message)
	}
	if len(dir.trustedCalls) != 1 {
		t.Error("Trusted should be set before pairing")
	}
	if len(dir.pairCalls) != 1 || len(dir.connectCalls) != 1 {
		t.Errorf("pair/connect calls = %d/%d, want 1/1", len(dir.pairCalls), len(dir.connectCalls))
	}
}

func TestPairSequenceAlreadyExistsIsSuccess(t *testing.T) {
	dir := &fakeDirectory{
		devices: []utils.BluetoothDeviceInfo{{Address: addr, Name: "Headset"}},
		pairErr: dbus.Error{Name: ERROR_ALREADY_EXISTS},
	}
	o, _, _ := newTestOrchestrator(dir, &fakeAudio{})

	result := o.pairSequence(addr)
	if !result.Success {
		t.Fatalf("already-exists should be success, got: %s", result.Message)
	}
	if !strings.Contains(strings.ToLower(result.Message), "already paired") {
		t.Errorf("message %q should mention already paired", result.Message)
	}
	if len(dir.connectCalls) != 1 {
		t.Error("a connect must still be attempted after already-exists")
	}
}

func TestPairSequenceAlreadyExistsConnectFailure(t *testing.T) {
	dir := &fakeDirectory{
		devices:    []utils.BluetoothDeviceInfo{{Address: addr, Name: "Headset"}},
		pairErr:    dbus.Error{Name: ERROR_ALREADY_EXISTS},
		connectErr: dbus.Error{Name: "org.bluez.Error.Failed", Body: []interface{}{"Host is down"}},
	}
	o, _, _ := newTestOrchestrator(dir, &fakeAudio{})

	result := o.pairSequence(addr)
	if result.Success {
		t.Fatal("connect failure after already-exists should not be success")
	}
	if !strings.Contains(result.Message, "Host is down") {
		t.Errorf("underlying fault text missing from %q", result.Message)
	}
}

func TestPairSequenceFaultSurfacedVerbatim(t *testing.T) {
	dir := &fakeDirectory{
		devices: []utils.BluetoothDeviceInfo{{Address: addr, Name: "Headset"}},
		pairErr: dbus.Error{Name: "org.bluez.Error.AuthenticationFailed", Body: []interface{}{"Authentication Failed"}},
	}
	o, _, _ := newTestOrchestrator(dir, &fakeAudio{})

	result := o.pairSequence(addr)
	if result.Success {
		t.Fatal("pairing fault must not be success")
	}
	if !strings.Contains(result.Message, "Authentication Failed") {
		t.Errorf("message %q should carry the underlying fault", result.Message)
	}
}

func TestPairSequenceDeviceNotFound(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeDirectory{}, &fakeAudio{})
	result := o.pairSequence(addr)
	if result.Success {
		t.Fatal("unknown device must not pair")
	}
	if !strings.Contains(result.Message, "not found") {
		t.Errorf("message = %q", result.Message)
	}
}

func TestStartScanRejectsConcurrentScan(t *testing.T) {
	dir := &fakeDirectory{}
	o, hub, _ := newTestOrchestrator(dir, &fakeAudio{})

	if err := o.StartScan(); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	if err := o.StartScan(); err != ErrScanInProgress {
		t.Errorf("second scan err = %v, want ErrScanInProgress", err)
	}
	hub.waitFor(t, "bluetooth/scan_finished")
	if dir.startCalls != 1 || dir.stopCalls != 1 {
		t.Errorf("discovery start/stop = %d/%d, want 1/1", dir.startCalls, dir.stopCalls)
	}
}

func TestScanAccumulatesAcrossRefreshes(t *testing.T) {
	dir := &fakeDirectory{devices: []utils.BluetoothDeviceInfo{{Address: addr, Name: "Headset"}}}
	o, hub, _ := newTestOrchestrator(dir, &fakeAudio{})

	if err := o.StartScan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	hub.waitFor(t, "bluetooth/device_found")
	hub.waitFor(t, "bluetooth/scan_finished")

	// A later enumeration returns a disjoint set; the scanned device must
	// stay visible (union, not replacement).
	dir.setDevices([]utils.BluetoothDeviceInfo{{Address: "11:22:33:44:55:66", Name: "Other", Paired: true}})

	devices, err := o.Devices()
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	found := map[string]bool{}
	for _, d := range devices {
		found[d.Address] = true
	}
	if !found[addr] || !found["11:22:33:44:55:66"] {
		t.Errorf("merged device set missing entries: %v", found)
	}
}

func profileCards(active string) []audio.Card {
	return []audio.Card{{
		Name:          "bluez_card.aa_bb_cc_dd_ee_ff",
		Profiles:      map[string]string{"a2dp_sink": "High Fidelity Playback", "off": "Off"},
		ActiveProfile: active,
	}}
}

func btSnapshot() audio.Snapshot {
	return audio.Snapshot{
		Sinks:   []audio.Device{{Name: "bluez_sink.aa_bb_cc_dd_ee_ff.a2dp_sink", Volume: 50}},
		Sources: []audio.Device{{Name: "alsa_input.internal", Volume: 50}},
	}
}

func TestSetDeviceAsDefaultProfileConfirmed(t *testing.T) {
	fa := &fakeAudio{cards: profileCards("a2dp_sink"), snapshot: btSnapshot()}
	dir := &fakeDirectory{devices: []utils.BluetoothDeviceInfo{{Address: addr}}}
	o, hub, prefs := newTestOrchestrator(dir, fa)

	o.setDeviceAsDefault(addr)

	if len(hub.byType("bluetooth/profile_pending")) != 0 {
		t.Error("confirmed profile must not raise a pending notice")
	}
	if len(fa.defaultSinks) != 1 || fa.defaultSinks[0] != "bluez_sink.aa_bb_cc_dd_ee_ff.a2dp_sink" {
		t.Errorf("default sinks = %v", fa.defaultSinks)
	}
	if len(fa.defaultSources) != 0 {
		t.Errorf("no matching source, but defaults set: %v", fa.defaultSources)
	}
	if prefs.LastDevice() != addr {
		t.Errorf("last device pref = %q, want %q", prefs.LastDevice(), addr)
	}
	event := hub.waitFor(t, "bluetooth/default_set")
	payload := event.Payload.(utils.DefaultSetPayload)
	if payload.Sink == "" || payload.Source != "" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSetDeviceAsDefaultProfileTimeoutIsPending(t *testing.T) {
	// Card never reaches a2dp_sink within the polling budget.
	fa := &fakeAudio{cards: profileCards("headset_head_unit"), snapshot: btSnapshot()}
	dir := &fakeDirectory{devices: []utils.BluetoothDeviceInfo{{Address: addr}}}
	o, hub, _ := newTestOrchestrator(dir, fa)

	o.setDeviceAsDefault(addr)

	if len(hub.byType("bluetooth/profile_pending")) != 1 {
		t.Fatal("timeout should broadcast exactly one pending notice")
	}
	if len(hub.byType("bluetooth/error")) != 0 {
		t.Error("timeout is informational, never an error")
	}
	// Routing still proceeds best effort.
	if len(fa.defaultSinks) != 1 {
		t.Errorf("default sink not applied after timeout: %v", fa.defaultSinks)
	}
	if len(hub.byType("audio/updated")) == 0 {
		t.Error("the follow-up snapshot broadcast must still occur")
	}
}

func TestSetDeviceAsDefaultNoCardAborts(t *testing.T) {
	fa := &fakeAudio{snapshot: btSnapshot()}
	o, hub, _ := newTestOrchestrator(&fakeDirectory{}, fa)

	o.setDeviceAsDefault(addr)

	if len(hub.byType("bluetooth/error")) != 1 {
		t.Fatal("missing card should surface a user-facing error")
	}
	if len(fa.profileCalls) != 0 {
		t.Errorf("no profile switch should be issued without a card: %v", fa.profileCalls)
	}
}

func TestFinalizeDefaultsMostRecentMatchWins(t *testing.T) {
	fa := &fakeAudio{snapshot: audio.Snapshot{
		Sinks: []audio.Device{
			{Name: "bluez_sink.aa_bb_cc_dd_ee_ff.old"},
			{Name: "bluez_sink.aa_bb_cc_dd_ee_ff.a2dp_sink"},
		},
	}}
	o, _, _ := newTestOrchestrator(&fakeDirectory{}, fa)

	o.finalizeDefaults(addr)

	if len(fa.defaultSinks) != 1 || fa.defaultSinks[0] != "bluez_sink.aa_bb_cc_dd_ee_ff.a2dp_sink" {
		t.Errorf("default sinks = %v, want the most recently enumerated match", fa.defaultSinks)
	}
}

func TestUnpairRemovesThroughAdapter(t *testing.T) {
	dir := &fakeDirectory{devices: []utils.BluetoothDeviceInfo{{Address: addr, Paired: true}}}
	o, hub, _ := newTestOrchestrator(dir, &fakeAudio{})

	if err := o.Unpair(addr); err != nil {
		t.Fatalf("Unpair: %v", err)
	}
	event := hub.waitFor(t, "bluetooth/unpair_result")
	result := event.Payload.(utils.PairResultPayload)
	if !result.Success {
		t.Fatalf("unpair failed: %s", result.Message)
	}
	if len(dir.removeCalls) != 1 || dir.removeCalls[0] != devPath(addr) {
		t.Errorf("remove calls = %v", dir.removeCalls)
	}
}

func TestConnectedSignalsDebounceIntoOneRefresh(t *testing.T) {
	dir := &fakeDirectory{devices: []utils.BluetoothDeviceInfo{{Address: addr, Paired: true, Connected: true}}}
	fa := &fakeAudio{snapshot: btSnapshot()}
	hub := &recordingHub{}
	timings := testTimings()
	timings.ReconnectDelay = time.Hour // keep startup reconnect dormant
	o := NewOrchestrator(dir, fa, hub, &fakePrefs{}, timings)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	sig := &dbus.Signal{
		Path: devPath(addr),
		Name: PROPERTIES_INTERFACE + ".PropertiesChanged",
		Body: []interface{}{
			BLUEZ_DEVICE_INTERFACE,
			map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)},
			[]string{},
		},
	}
	for i := 0; i < 3; i++ {
		dir.sigChan <- sig
	}

	hub.waitFor(t, "bluetooth/devices")
	time.Sleep(3 * timings.RefreshDebounce)
	if got := len(hub.byType("bluetooth/devices")); got != 1 {
		t.Errorf("refresh broadcasts = %d, want 1 (debounced)", got)
	}
}

func TestSignalsForOtherInterfacesIgnored(t *testing.T) {
	dir := &fakeDirectory{}
	hub := &recordingHub{}
	timings := testTimings()
	timings.ReconnectDelay = time.Hour
	o := NewOrchestrator(dir, &fakeAudio{}, hub, &fakePrefs{}, timings)
	if err := o.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer o.Stop()

	dir.sigChan <- &dbus.Signal{Body: []interface{}{
		"org.bluez.MediaControl1",
		map[string]dbus.Variant{"Connected": dbus.MakeVariant(true)},
		[]string{},
	}}
	dir.sigChan <- &dbus.Signal{Body: []interface{}{
		BLUEZ_DEVICE_INTERFACE,
		map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-40))},
		[]string{},
	}}

	time.Sleep(3 * timings.RefreshDebounce)
	if got := len(hub.byType("bluetooth/devices")); got != 0 {
		t.Errorf("unrelated signals triggered %d refreshes", got)
	}
}

func TestReconnectOnStartupPromotesLastDevice(t *testing.T) {
	dir := &fakeDirectory{devices: []utils.BluetoothDeviceInfo{
		{Address: addr, Name: "Headset", Paired: true, Connected: false},
		{Address: "11:22:33:44:55:66", Name: "Speaker", Paired: true, Connected: true},
	}}
	fa := &fakeAudio{cards: profileCards("a2dp_sink"), snapshot: btSnapshot()}
	hub := &recordingHub{}
	prefs := &fakePrefs{last: addr}
	o := NewOrchestrator(dir, fa, hub, prefs, testTimings())

	o.reconnectOnStartup()

	if len(dir.connectCalls) != 1 || dir.connectCalls[0] != devPath(addr) {
		t.Errorf("connect calls = %v, want only the disconnected paired device", dir.connectCalls)
	}
	if len(fa.defaultSinks) != 1 {
		t.Errorf("last device was not promoted to default: %v", fa.defaultSinks)
	}
}
