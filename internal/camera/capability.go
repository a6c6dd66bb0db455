package camera

import (
	"context"
	"fmt"
	"sync"
)

// CapabilityTable はデバイスID毎のストリーム構成を保持する
// 起動時に構築され、再列挙はセッションが閉じている間にのみ反映される
type CapabilityTable struct {
	mu      sync.RWMutex
	order   []DeviceID
	entries map[DeviceID]DeviceCapabilities
}

// NewCapabilityTable は与えられた構成からテーブルを作成する
func NewCapabilityTable(caps ...DeviceCapabilities) *CapabilityTable {
	t := &CapabilityTable{
		entries: make(map[DeviceID]DeviceCapabilities),
	}
	t.replace(caps)
	return t
}

// Populate はDiscoveryで列挙した結果でテーブルを構築し直す
// 起動時に使用する。稼働中の再列挙は SessionStateMachine.Refresh を使うこと
func (t *CapabilityTable) Populate(ctx context.Context, discovery Discovery) error {
	caps, err := discovery.Enumerate(ctx)
	if err != nil && len(caps) == 0 {
		return fmt.Errorf("デバイスの列挙に失敗: %w", err)
	}
	// 部分的な結果は取り込んだうえでエラーを返す
	t.replace(caps)
	return err
}

func (t *CapabilityTable) replace(caps []DeviceCapabilities) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.order = t.order[:0]
	t.entries = make(map[DeviceID]DeviceCapabilities, len(caps))
	for _, c := range caps {
		if c.ID == "" {
			continue
		}
		if _, dup := t.entries[c.ID]; !dup {
			t.order = append(t.order, c.ID)
		}
		t.entries[c.ID] = c.clone()
	}
}

// CapabilitiesFor は指定デバイスの構成を返す
func (t *CapabilityTable) CapabilitiesFor(id DeviceID) (DeviceCapabilities, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.entries[id]
	if !ok {
		return DeviceCapabilities{}, false
	}
	return c.clone(), true
}

// LookupByName は表示名またはIDでデバイスを検索する
func (t *CapabilityTable) LookupByName(name string) (DeviceCapabilities, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if c, ok := t.entries[DeviceID(name)]; ok {
		return c.clone(), true
	}
	for _, id := range t.order {
		if c := t.entries[id]; c.Name == name {
			return c.clone(), true
		}
	}
	return DeviceCapabilities{}, false
}

// Devices は列挙順にすべてのデバイス構成を返す
func (t *CapabilityTable) Devices() []DeviceCapabilities {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]DeviceCapabilities, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.entries[id].clone())
	}
	return out
}

// Len は登録されているデバイス数を返す
func (t *CapabilityTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Default は既定で使うデバイスを返す
// 前面カメラがあればそれを、なければ最後に列挙されたデバイスを選ぶ
func (t *CapabilityTable) Default() (DeviceCapabilities, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.order) == 0 {
		return DeviceCapabilities{}, false
	}
	for _, id := range t.order {
		if c := t.entries[id]; c.Facing == FacingFront {
			return c.clone(), true
		}
	}
	return t.entries[t.order[len(t.order)-1]].clone(), true
}
