package bluetooth

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/postman721/Blue-Pulse/audio"
	"github.com/postman721/Blue-Pulse/utils"
)

var (
	ErrScanInProgress = errors.New("scan already in progress")
	ErrPairInProgress = errors.New("pairing already in progress")
)

// directoryClient is the slice of Directory the orchestrator needs.
type directoryClient interface {
	FindAdapterPath() (dbus.ObjectPath, error)
	FindDevicePath(address string) (dbus.ObjectPath, bool, error)
	ListDevices() ([]utils.BluetoothDeviceInfo, error)
	ListPaired() (map[string]string, error)
	DeviceConnected(path dbus.ObjectPath) (bool, error)
	SetTrusted(path dbus.ObjectPath, trusted bool) error
	Pair(path dbus.ObjectPath) error
	Connect(path dbus.ObjectPath) error
	RemoveDevice(adapter, device dbus.ObjectPath) error
	StartDiscovery(adapter dbus.ObjectPath) error
	StopDiscovery(adapter dbus.ObjectPath) error
	SubscribePropertyChanges() (chan *dbus.Signal, error)
}

// audioControl is the slice of audio.Client the orchestrator needs.
type audioControl interface {
	GetSnapshot() audio.Snapshot
	SetDefaultSink(name string)
	SetDefaultSource(name string)
	ListCards() []audio.Card
	SetCardProfile(cardName, profile string)
	FindCardForAddress(address string) (string, bool)
}

type broadcaster interface {
	Broadcast(event utils.WebSocketEvent)
}

type prefStore interface {
	LastDevice() string
	SetLastDevice(address string)
}

// Timings holds every settle delay, dwell and poll interval of the
// pairing and routing sequences. Tests shrink them.
type Timings struct {
	ScanDwell        time.Duration
	ScanPollInterval time.Duration
	PairSettle       time.Duration
	ConnectSettle    time.Duration
	ProfileTotal     time.Duration
	ProfileInterval  time.Duration
	RefreshDebounce  time.Duration
	ReconnectDelay   time.Duration
	ReconnectSettle  time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		ScanDwell:        10 * time.Second,
		ScanPollInterval: 2 * time.Second,
		PairSettle:       2 * time.Second,
		ConnectSettle:    3 * time.Second,
		ProfileTotal:     6 * time.Second,
		ProfileInterval:  200 * time.Millisecond,
		RefreshDebounce:  3 * time.Second,
		ReconnectDelay:   1500 * time.Millisecond,
		ReconnectSettle:  5 * time.Second,
	}
}

// Orchestrator sequences discovery, pairing, connection and audio profile
// assignment. Long-running sequences run as one-shot background workers
// that report exactly one terminal event through the hub; at most one scan
// and one pair/unpair worker are active at a time.
type Orchestrator struct {
	dir     directoryClient
	audio   audioControl
	hub     broadcaster
	prefs   prefStore
	timings Timings

	mu           sync.Mutex
	scanning     bool
	pairing      bool
	scanned      map[string]string
	refreshTimer *time.Timer

	stopChan chan struct{}
	stopOnce sync.Once
}

func NewOrchestrator(dir directoryClient, audioClient audioControl, hub broadcaster, prefs prefStore, timings Timings) *Orchestrator {
	return &Orchestrator{
		dir:      dir,
		audio:    audioClient,
		hub:      hub,
		prefs:    prefs,
		timings:  timings,
		scanned:  make(map[string]string),
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to property changes and kicks off the startup
// reconnection of paired devices.
func (o *Orchestrator) Start() error {
	sigChan, err := o.dir.SubscribePropertyChanges()
	if err != nil {
		return err
	}
	go o.watchSignals(sigChan)
	go o.reconnectOnStartup()
	return nil
}

func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopChan) })
	o.mu.Lock()
	if o.refreshTimer != nil {
		o.refreshTimer.Stop()
	}
	o.mu.Unlock()
}

// Devices merges the live directory enumeration with the accumulated scan
// results, so a device discovered mid-scan stays visible even when a later
// enumeration no longer reports it.
func (o *Orchestrator) Devices() ([]utils.BluetoothDeviceInfo, error) {
	devices, err := o.dir.ListDevices()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.Address] = true
	}
	o.mu.Lock()
	for addr, name := range o.scanned {
		if !seen[addr] {
			devices = append(devices, utils.BluetoothDeviceInfo{Address: addr, Name: name})
		}
	}
	o.mu.Unlock()
	return devices, nil
}

// StartScan launches the discovery worker. A second scan while one is
// running is rejected; discovery start/stop calls do not nest.
func (o *Orchestrator) StartScan() error {
	o.mu.Lock()
	if o.scanning {
		o.mu.Unlock()
		return ErrScanInProgress
	}
	o.scanning = true
	o.mu.Unlock()
	go o.scanWorker()
	return nil
}

func (o *Orchestrator) scanWorker() {
	defer func() {
		o.mu.Lock()
		o.scanning = false
		o.mu.Unlock()
	}()

	o.hub.Broadcast(utils.WebSocketEvent{Type: "bluetooth/scan_started"})

	finish := func(errMsg string) {
		o.hub.Broadcast(utils.WebSocketEvent{
			Type:    "bluetooth/scan_finished",
			Payload: utils.ScanFinishedPayload{Devices: o.scannedCopy(), Error: errMsg},
		})
	}

	adapter, err := o.dir.FindAdapterPath()
	if err != nil {
		finish(err.Error())
		return
	}
	if err := o.dir.StartDiscovery(adapter); err != nil {
		finish("failed to start discovery: " + err.Error())
		return
	}

	// Enumerate periodically during the dwell so devices appear as they
	// are discovered, not only at the end.
	deadline := time.Now().Add(o.timings.ScanDwell)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := o.timings.ScanPollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-o.stopChan:
			if err := o.dir.StopDiscovery(adapter); err != nil {
				log.Printf("StopDiscovery: %v", err)
			}
			return
		case <-time.After(wait):
		}
		o.collectScanResults()
	}

	if err := o.dir.StopDiscovery(adapter); err != nil {
		log.Printf("StopDiscovery: %v", err)
	}
	o.collectScanResults()
	finish("")
}

func (o *Orchestrator) collectScanResults() {
	devices, err := o.dir.ListDevices()
	if err != nil {
		log.Printf("Enumerate devices during scan: %v", err)
		return
	}
	for _, d := range devices {
		o.mu.Lock()
		_, known := o.scanned[d.Address]
		if !known {
			o.scanned[d.Address] = d.Name
		}
		o.mu.Unlock()
		if !known {
			o.hub.Broadcast(utils.WebSocketEvent{
				Type:    "bluetooth/device_found",
				Payload: utils.DeviceFoundPayload{Address: d.Address, Name: d.Name},
			})
		}
	}
}

func (o *Orchestrator) scannedCopy() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make(map[string]string, len(o.scanned))
	for k, v := range o.scanned {
		cp[k] = v
	}
	return cp
}

// Pair launches the pairing worker for one address.
func (o *Orchestrator) Pair(address string) error {
	o.mu.Lock()
	if o.pairing {
		o.mu.Unlock()
		return ErrPairInProgress
	}
	o.pairing = true
	o.mu.Unlock()
	go o.pairWorker(address)
	return nil
}

func (o *Orchestrator) pairWorker(address string) {
	result := o.pairSequence(address)
	o.mu.Lock()
	o.pairing = false
	o.mu.Unlock()
	o.hub.Broadcast(utils.WebSocketEvent{Type: "bluetooth/pair_result", Payload: result})
	if result.Success {
		o.sleep(o.timings.ConnectSettle)
		o.setDeviceAsDefault(address)
	}
}

// pairSequence is trust, pair, settle, connect. A directory fault that
// says the device already exists is a success, not an error; pairing an
// already paired device just falls through to a plain connect.
func (o *Orchestrator) pairSequence(address string) utils.PairResultPayload {
	fail := func(msg string) utils.PairResultPayload {
		return utils.PairResultPayload{Address: address, Success: false, Message: msg}
	}

	path, found, err := o.dir.FindDevicePath(address)
	if err != nil {
		return fail("Pairing failed: " + err.Error())
	}
	if !found {
		return fail("Device " + address + " not found")
	}

	if err := o.dir.SetTrusted(path, true); err != nil {
		log.Printf("Set Trusted on %s: %v", address, err)
	}

	if err := o.dir.Pair(path); err != nil {
		if IsAlreadyExists(err) {
			if cerr := o.dir.Connect(path); cerr != nil {
				return fail("Already paired, but failed to connect: " + cerr.Error())
			}
			return utils.PairResultPayload{Address: address, Success: true, Message: "Device already paired and connected"}
		}
		return fail("Pairing failed: " + err.Error())
	}

	o.sleep(o.timings.PairSettle)

	if err := o.dir.Connect(path); err != nil {
		return fail("Paired, but connect failed: " + err.Error())
	}
	return utils.PairResultPayload{Address: address, Success: true, Message: "Paired and connected"}
}

// Unpair launches the removal worker for one address. It shares the
// pairing slot so pair and unpair never run concurrently.
func (o *Orchestrator) Unpair(address string) error {
	o.mu.Lock()
	if o.pairing {
		o.mu.Unlock()
		return ErrPairInProgress
	}
	o.pairing = true
	o.mu.Unlock()
	go func() {
		result := o.unpairSequence(address)
		o.mu.Lock()
		o.pairing = false
		o.mu.Unlock()
		o.hub.Broadcast(utils.WebSocketEvent{Type: "bluetooth/unpair_result", Payload: result})
	}()
	return nil
}

func (o *Orchestrator) unpairSequence(address string) utils.PairResultPayload {
	fail := func(msg string) utils.PairResultPayload {
		return utils.PairResultPayload{Address: address, Success: false, Message: msg}
	}

	adapter, err := o.dir.FindAdapterPath()
	if err != nil {
		return fail("Unpair failed: " + err.Error())
	}
	path, found, err := o.dir.FindDevicePath(address)
	if err != nil {
		return fail("Unpair failed: " + err.Error())
	}
	if !found {
		return fail("Device " + address + " not found")
	}
	if err := o.dir.RemoveDevice(adapter, path); err != nil {
		return fail("Unpair failed: " + err.Error())
	}
	o.mu.Lock()
	delete(o.scanned, address)
	o.mu.Unlock()
	return utils.PairResultPayload{Address: address, Success: true, Message: "Device removed"}
}

// ConnectAndSetDefault connects a device if needed and promotes it to the
// default audio sink and source in the background.
func (o *Orchestrator) ConnectAndSetDefault(address string) {
	go o.connectAndSetDefault(address)
}

func (o *Orchestrator) connectAndSetDefault(address string) {
	path, found, err := o.dir.FindDevicePath(address)
	if err != nil {
		o.broadcastError("Failed to resolve " + address + ": " + err.Error())
		return
	}
	if !found {
		o.broadcastError("Device " + address + " not found")
		return
	}

	connected, err := o.dir.DeviceConnected(path)
	if err != nil {
		log.Printf("Read Connected for %s: %v", address, err)
	}
	if !connected {
		if err := o.dir.Connect(path); err != nil {
			o.broadcastError("Failed to connect to " + address + ": " + err.Error())
			return
		}
		o.sleep(o.timings.ConnectSettle)
	}
	o.setDeviceAsDefault(address)
}

// setDeviceAsDefault resolves the device's card, switches it to A2DP and
// finalizes the default sink and source. A missing card aborts with a
// user-facing error; a profile that never confirms within the polling
// budget is reported as pending and routing still proceeds best-effort.
func (o *Orchestrator) setDeviceAsDefault(address string) {
	o.prefs.SetLastDevice(address)

	card, ok := o.audio.FindCardForAddress(address)
	if !ok {
		o.broadcastError("No audio card found for " + address)
		return
	}

	o.audio.SetCardProfile(card, audio.A2DPSinkProfile)
	if !o.waitForProfile(card, audio.A2DPSinkProfile) {
		o.hub.Broadcast(utils.WebSocketEvent{
			Type:    "bluetooth/profile_pending",
			Payload: utils.ProfilePendingPayload{Address: address, Card: card, Profile: audio.A2DPSinkProfile},
		})
	}
	o.finalizeDefaults(address)
}

// waitForProfile polls card state until the active profile matches or the
// attempt budget runs out. Card enumeration can legitimately lag the
// request, so a timeout is not a failure.
func (o *Orchestrator) waitForProfile(card, profile string) bool {
	deadline := time.Now().Add(o.timings.ProfileTotal)
	for {
		for _, c := range o.audio.ListCards() {
			if c.Name == card && c.ActiveProfile == profile {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-o.stopChan:
			return false
		case <-time.After(o.timings.ProfileInterval):
		}
	}
}

// finalizeDefaults locates the sink and source carrying the address derived
// prefix in a fresh snapshot and defaults whichever exist. A device may be
// output-only or input-only; absence of either is not an error.
func (o *Orchestrator) finalizeDefaults(address string) {
	snap := o.audio.GetSnapshot()
	sinkPrefix := audio.SinkPrefixForAddress(address)
	sourcePrefix := audio.SourcePrefixForAddress(address)

	var sink, source string
	for _, d := range snap.Sinks {
		if strings.HasPrefix(d.Name, sinkPrefix) {
			sink = d.Name
		}
	}
	for _, d := range snap.Sources {
		if strings.HasPrefix(d.Name, sourcePrefix) {
			source = d.Name
		}
	}

	if sink != "" {
		o.audio.SetDefaultSink(sink)
	}
	if source != "" {
		o.audio.SetDefaultSource(source)
	}
	o.hub.Broadcast(utils.WebSocketEvent{
		Type:    "bluetooth/default_set",
		Payload: utils.DefaultSetPayload{Address: address, Sink: sink, Source: source},
	})
	o.broadcastAudio()
}

func (o *Orchestrator) broadcastAudio() {
	o.hub.Broadcast(utils.WebSocketEvent{Type: "audio/updated", Payload: o.audio.GetSnapshot()})
}

func (o *Orchestrator) broadcastError(msg string) {
	log.Println(msg)
	o.hub.Broadcast(utils.WebSocketEvent{Type: "bluetooth/error", Payload: utils.ErrorPayload{Message: msg}})
}

func (o *Orchestrator) watchSignals(sigChan chan *dbus.Signal) {
	for {
		select {
		case <-o.stopChan:
			return
		case sig, ok := <-sigChan:
			if !ok {
				return
			}
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			iface, ok := sig.Body[0].(string)
			if !ok || iface != BLUEZ_DEVICE_INTERFACE {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if _, ok := changed["Connected"]; !ok {
				continue
			}
			o.scheduleRefresh()
		}
	}
}

// scheduleRefresh coalesces bursts of Connected changes into one delayed
// refresh so state is never re-read mid transition.
func (o *Orchestrator) scheduleRefresh() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.refreshTimer != nil {
		o.refreshTimer.Stop()
	}
	o.refreshTimer = time.AfterFunc(o.timings.RefreshDebounce, o.refresh)
}

func (o *Orchestrator) refresh() {
	devices, err := o.Devices()
	if err != nil {
		log.Printf("Refresh devices: %v", err)
	} else {
		o.hub.Broadcast(utils.WebSocketEvent{Type: "bluetooth/devices", Payload: devices})
	}
	o.broadcastAudio()
}

// reconnectOnStartup connects every paired but disconnected device shortly
// after startup and, when one of them is the remembered last device,
// promotes it to the default audio route after a longer settle.
func (o *Orchestrator) reconnectOnStartup() {
	o.sleep(o.timings.ReconnectDelay)
	select {
	case <-o.stopChan:
		return
	default:
	}

	paired, err := o.dir.ListPaired()
	if err != nil {
		log.Printf("Startup reconnect: %v", err)
		return
	}

	last := o.prefs.LastDevice()
	var promoted string
	for addr, name := range paired {
		path, found, err := o.dir.FindDevicePath(addr)
		if err != nil || !found {
			continue
		}
		if connected, err := o.dir.DeviceConnected(path); err == nil && connected {
			continue
		}
		if err := o.dir.Connect(path); err != nil {
			log.Printf("Reconnect %s: %v", addr, err)
			continue
		}
		log.Printf("Reconnected %s (%s)", name, addr)
		if strings.EqualFold(addr, last) {
			promoted = addr
		}
	}

	if promoted != "" {
		o.sleep(o.timings.ReconnectSettle)
		o.setDeviceAsDefault(promoted)
	}
	o.refresh()
}

// sleep waits for d unless the orchestrator is stopping.
func (o *Orchestrator) sleep(d time.Duration) {
	select {
	case <-o.stopChan:
	case <-time.After(d):
	}
}
