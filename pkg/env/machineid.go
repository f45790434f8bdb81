package env

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"
)

// MachineID retrieves the ID identifying the machine, protected with app so
// the raw id is not exposed on the wire. It falls back to the hostname.
func MachineID(app string) string {
	id, err := machineid.ProtectedID(app)
	if err == nil {
		return id
	}
	glog.Warningf("machine id unavailable: %v", err)
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "unknown"
}
