package engine

import "sync"

// Tri is a tri-state capability value: not yet probed, known absent, or
// known present.
type Tri int

const (
	Unknown Tri = iota
	No
	Yes
)

// Capability names the recognized per-server capabilities (spec.md §4.5).
type Capability string

const (
	CapUTF8            Capability = "utf8_command"
	CapCLNT            Capability = "clnt_command"
	CapMLSD            Capability = "mlsd_command" // payload = facts
	CapMFMT            Capability = "mfmt_command"
	CapMDTM            Capability = "mdtm_command"
	CapSIZE            Capability = "size_command"
	CapTVFS            Capability = "tvfs_support"
	CapModeZ           Capability = "mode_z_support"
	CapRestStream      Capability = "rest_stream"
	CapEPSV            Capability = "epsv_command"
	CapTimezoneOffset  Capability = "timezone_offset"
	CapResume2GBBug    Capability = "resume2GBbug"
	CapResume4GBBug    Capability = "resume4GBbug"
)

type capEntry struct {
	tri     Tri
	payload string
}

// Capabilities is a per-server tri-state registry with optional string
// payloads (e.g. MLST facts). Zero value is ready to use. Safe for
// concurrent use, though in this engine it is only ever touched from the
// single dispatcher goroutine — the mutex exists for callers (e.g. a CLI
// inspecting state from another goroutine) rather than internal need.
type Capabilities struct {
	mu sync.RWMutex
	m  map[Capability]capEntry
}

// NewCapabilities returns an empty, ready-to-use registry.
func NewCapabilities() *Capabilities {
	return &Capabilities{m: make(map[Capability]capEntry)}
}

// Get returns the current tri-state and payload for cap.
func (c *Capabilities) Get(cap Capability) (Tri, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e := c.m[cap]
	return e.tri, e.payload
}

// Set records cap's tri-state and optional payload. A capability once set
// to Yes or No is never overwritten by Unknown (monotonicity invariant);
// such calls are silently ignored rather than erroring, matching
// FileZilla's SetCapability semantics. Setting CapMLSD to Yes also forces
// CapTimezoneOffset to No, since MLST/MLSD mandate UTC timestamps.
func (c *Capabilities) Set(cap Capability, tri Tri, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(cap, tri, payload)
}

func (c *Capabilities) setLocked(cap Capability, tri Tri, payload string) {
	cur := c.m[cap]
	if tri == Unknown && (cur.tri == Yes || cur.tri == No) {
		return
	}
	c.m[cap] = capEntry{tri: tri, payload: payload}

	if cap == CapMLSD && tri == Yes {
		c.setLocked(CapTimezoneOffset, No, "")
	}
}

// ApplyFeat updates the registry from a parsed FEAT response. facts maps
// uppercased feature tokens to their parameter string. When both MLST and
// MLSD are present, MLST's fact list takes precedence as the MLSD
// capability's payload.
func (c *Capabilities) ApplyFeat(facts map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	has := func(name string) (string, bool) {
		v, ok := facts[name]
		return v, ok
	}

	if _, ok := has("UTF8"); ok {
		c.setLocked(CapUTF8, Yes, "")
	} else {
		c.setLocked(CapUTF8, No, "")
	}
	if _, ok := has("CLNT"); ok {
		c.setLocked(CapCLNT, Yes, "")
	}
	if _, ok := has("MFMT"); ok {
		c.setLocked(CapMFMT, Yes, "")
	}
	if _, ok := has("MDTM"); ok {
		c.setLocked(CapMDTM, Yes, "")
	}
	if _, ok := has("SIZE"); ok {
		c.setLocked(CapSIZE, Yes, "")
	}
	if _, ok := has("TVFS"); ok {
		c.setLocked(CapTVFS, Yes, "")
	}
	if _, ok := has("MODE Z"); ok {
		c.setLocked(CapModeZ, Yes, "")
	}
	if _, ok := has("REST STREAM"); ok {
		c.setLocked(CapRestStream, Yes, "")
	}
	if _, ok := has("EPSV"); ok {
		c.setLocked(CapEPSV, Yes, "")
	}

	mlsdFacts, hasMLSD := has("MLSD")
	mlstFacts, hasMLST := has("MLST")
	switch {
	case hasMLST:
		c.setLocked(CapMLSD, Yes, mlstFacts)
	case hasMLSD:
		c.setLocked(CapMLSD, Yes, mlsdFacts)
	}
}
