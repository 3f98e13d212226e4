package diskd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"astoria/internal/disks"
	"astoria/internal/ipc"
	"astoria/internal/logging"
)

const staticPrefix = "static-"

func (m *Manager) handleAddStatic(_ context.Context, req ipc.RequestEnvelope, reply ipc.Reply) {
	var payload ipc.StaticDiskRequest
	if err := req.DecodePayload(&payload); err != nil {
		reply(false, err.Error())
		return
	}
	path := filepath.Clean(payload.Path)
	info, err := os.Stat(path)
	if payload.Path == "" || err != nil || !info.IsDir() {
		reply(false, fmt.Sprintf("%s does not exist or is not a directory", payload.Path))
		return
	}
	for _, vol := range m.Inventory() {
		if vol.MountPath == path {
			reply(false, "The specified path is already mounted.")
			return
		}
	}

	vol := m.classify(staticPrefix+req.RequestID, path)
	m.static[path] = vol
	m.logger.Info("static disk added", logging.RequestID(req.RequestID), logging.String("sender", req.SenderName))
	m.added(vol)
	m.publish()
	reply(true, "")
}

func (m *Manager) handleRemoveStatic(_ context.Context, req ipc.RequestEnvelope, reply ipc.Reply) {
	var payload ipc.StaticDiskRequest
	if err := req.DecodePayload(&payload); err != nil {
		reply(false, err.Error())
		return
	}
	path := filepath.Clean(payload.Path)
	vol, ok := m.static[path]
	if !ok {
		reply(false, fmt.Sprintf("%s is not mounted as a static disk.", payload.Path))
		return
	}
	delete(m.static, path)
	m.removed(vol)
	m.publish()
	reply(true, "")
}

func (m *Manager) handleRemoveAllStatic(_ context.Context, _ ipc.RequestEnvelope, reply ipc.Reply) {
	if len(m.static) == 0 {
		reply(true, "There are no static disks to remove.")
		return
	}
	removed := make([]disks.Volume, 0, len(m.static))
	for _, vol := range m.static {
		removed = append(removed, vol)
	}
	clear(m.static)
	for _, vol := range removed {
		m.removed(vol)
	}
	m.publish()
	reply(true, "Successfully removed all static disks.")
}
