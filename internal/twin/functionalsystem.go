package twin

import "time"

// FunctionalSystem groups a set of devices that must be reasoned about
// together (e.g. a fire-pump interlock). A given device belongs to at most
// one FunctionalSystem.
type FunctionalSystem struct {
	Id               string
	Type             string
	Name             string
	Configuration    map[string]string
	DeviceIds        []DeviceId
	FailSafeDefaults map[string]DeviceValue
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CreatedBy        string
}

// HasMember reports whether id belongs to this system.
func (s FunctionalSystem) HasMember(id DeviceId) bool {
	for _, member := range s.DeviceIds {
		if member.Equal(id) {
			return true
		}
	}
	return false
}
