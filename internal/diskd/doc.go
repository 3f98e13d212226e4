// Package diskd implements astdiskd, the disk manager.
//
// The manager owns the volume inventory. A scanner reads the kernel mount
// table and resolves filesystem uuids through /dev/disk/by-uuid; scans are
// triggered by udev block events, by changes under the mount root and by a
// periodic rescan. Directories registered over RPC join the inventory as
// static disks. Every change is applied on the manager's event loop in arrival
// order and the snapshot is republished only when it differs.
package diskd
