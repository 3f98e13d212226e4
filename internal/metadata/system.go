package metadata

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// SystemInfo describes the running host.
func SystemInfo(astoriaVersion string) map[string]string {
	fields := map[string]string{
		FieldVersion:        SchemaVersion,
		FieldAstoriaVersion: astoriaVersion,
		FieldGoVersion:      runtime.Version(),
		FieldArch:           runtime.GOARCH,
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		fields[FieldKernel] = unix.ByteSliceToString(uts.Release[:])
		fields[FieldArch] = unix.ByteSliceToString(uts.Machine[:])
	}
	if host, err := os.Hostname(); err == nil {
		fields[FieldHostname] = host
	}
	return fields
}
