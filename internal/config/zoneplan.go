package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// ZonePlan maps locker ids to relay bus addresses. Lockers are grouped in
// zones; each zone is wired to one or more relay cards in slave-address
// order starting at SlaveBase.
type ZonePlan struct {
	Zones []Zone `json:"zones"`
}

// Zone describes one contiguous run of lockers on the bus.
type Zone struct {
	ID              string `json:"id"`
	FirstLocker     int    `json:"firstLocker"`
	LastLocker      int    `json:"lastLocker"`
	SlaveBase       int    `json:"slaveBase"`
	ChannelsPerCard int    `json:"channelsPerCard"`
}

// DefaultZonePlan is a single 32-locker zone on two 16-channel cards,
// matching the common Waveshare relay wiring.
func DefaultZonePlan() *ZonePlan {
	return &ZonePlan{
		Zones: []Zone{
			{ID: "A", FirstLocker: 1, LastLocker: 32, SlaveBase: 1, ChannelsPerCard: 16},
		},
	}
}

// LoadZonePlan resolves the zone plan from config: inline JSON wins over a
// file path; neither set falls back to DefaultZonePlan.
func (c *Config) LoadZonePlan() (*ZonePlan, error) {
	if c.ZonePlanJSON != "" {
		return parseZonePlan([]byte(c.ZonePlanJSON))
	}
	if c.ZonePlanFile != "" {
		b, err := os.ReadFile(c.ZonePlanFile)
		if err != nil {
			return nil, fmt.Errorf("zone plan file: %w", err)
		}
		return parseZonePlan(b)
	}
	return DefaultZonePlan(), nil
}

func parseZonePlan(b []byte) (*ZonePlan, error) {
	var p ZonePlan
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("zone plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks zone ranges and addressing.
func (p *ZonePlan) Validate() error {
	if len(p.Zones) == 0 {
		return fmt.Errorf("zone plan: no zones defined")
	}
	seen := map[string]bool{}
	for _, z := range p.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone plan: zone with empty id")
		}
		if seen[z.ID] {
			return fmt.Errorf("zone plan: duplicate zone id %q", z.ID)
		}
		seen[z.ID] = true
		if z.FirstLocker < 1 || z.LastLocker < z.FirstLocker {
			return fmt.Errorf("zone %s: invalid locker range [%d, %d]", z.ID, z.FirstLocker, z.LastLocker)
		}
		if z.ChannelsPerCard < 1 {
			return fmt.Errorf("zone %s: channelsPerCard must be >= 1", z.ID)
		}
		if z.SlaveBase < 1 || z.SlaveBase > 247 {
			return fmt.Errorf("zone %s: slaveBase %d outside Modbus range [1, 247]", z.ID, z.SlaveBase)
		}
	}
	return nil
}

// Resolve maps a locker id to its (slaveAddress, coil) bus address.
// Coils are 1-based within a card.
func (p *ZonePlan) Resolve(lockerID int) (slave uint8, coil uint16, err error) {
	for _, z := range p.Zones {
		if lockerID < z.FirstLocker || lockerID > z.LastLocker {
			continue
		}
		position := lockerID - z.FirstLocker + 1
		cardIndex := (position - 1) / z.ChannelsPerCard
		coil := ((position - 1) % z.ChannelsPerCard) + 1
		addr := z.SlaveBase + cardIndex
		if addr > 247 {
			return 0, 0, fmt.Errorf("locker %d: slave address %d exceeds Modbus range", lockerID, addr)
		}
		return uint8(addr), uint16(coil), nil
	}
	return 0, 0, fmt.Errorf("locker %d: not covered by any zone", lockerID)
}

// ZoneFor returns the zone covering lockerID, or nil.
func (p *ZonePlan) ZoneFor(lockerID int) *Zone {
	for i := range p.Zones {
		z := &p.Zones[i]
		if lockerID >= z.FirstLocker && lockerID <= z.LastLocker {
			return z
		}
	}
	return nil
}

// Lockers returns every locker id covered by the zone with the given id,
// or all zones when id is empty.
func (p *ZonePlan) Lockers(zoneID string) []int {
	var out []int
	for _, z := range p.Zones {
		if zoneID != "" && z.ID != zoneID {
			continue
		}
		for id := z.FirstLocker; id <= z.LastLocker; id++ {
			out = append(out, id)
		}
	}
	return out
}
