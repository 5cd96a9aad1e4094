package session

import "github.com/google/uuid"

// DeviceIdentity identifies the device the module runs on. A simulated
// identity lets several logical devices share one host, which the demo
// utility exposes through its --simulated flag.
type DeviceIdentity struct {
	UID       string
	Simulated bool
}

// RealDevice creates the identity of the physical device. The UID is
// random per process rather than derived from hardware.
func RealDevice() DeviceIdentity {
	return DeviceIdentity{UID: uuid.NewString()}
}

// SimulatedDevice creates a simulated identity with the given UID. An
// empty uid gets a random one.
func SimulatedDevice(uid string) DeviceIdentity {
	if uid == "" {
		uid = uuid.NewString()
	}
	return DeviceIdentity{UID: uid, Simulated: true}
}
