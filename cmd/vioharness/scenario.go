// Package main implements vioharness, a batch CLI that loads a YAML
// scenario describing a fake virtio device and the requests to drive
// against it, then runs the device's driver against internal/harness's
// fake hypervisor peer and prints the resulting status trajectory and
// transferred bytes. It exists for manual exploration of the scenarios
// spec.md §8 describes, the way a developer would hand-run one of the
// teacher's own example fixtures against its host-side emulator.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is the on-disk YAML shape for one end-to-end run.
type Scenario struct {
	Device string `yaml:"device"` // "block" or "net"

	HostFeatures []uint `yaml:"host_features"`

	// Block fields.
	CapacitySectors uint64         `yaml:"capacity_sectors"`
	BlkSize         uint32         `yaml:"blk_size"`
	Transfers       []TransferSpec `yaml:"transfers"`

	// Net fields.
	MAC        string         `yaml:"mac"`
	Transmits  []FrameSpec    `yaml:"transmits"`
	InjectsRX  []FrameSpec    `yaml:"inject_rx"`
}

// TransferSpec describes one blkdrv.Transfer call.
type TransferSpec struct {
	Op         string `yaml:"op"` // "read", "write", "flush"
	StartBlock uint64 `yaml:"start_block"`
	Count      uint32 `yaml:"count"`
	DataHex    string `yaml:"data_hex"` // write payload, hex-encoded
}

// FrameSpec describes one Ethernet frame, given as hex bytes.
type FrameSpec struct {
	PayloadHex string `yaml:"payload_hex"`
}

func (s TransferSpec) data() ([]byte, error) {
	if s.DataHex == "" {
		return nil, nil
	}
	return hex.DecodeString(s.DataHex)
}

func (f FrameSpec) payload() ([]byte, error) {
	return hex.DecodeString(f.PayloadHex)
}

func loadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vioharness: read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("vioharness: parse scenario: %w", err)
	}
	return &s, nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	if s == "" {
		return mac, nil
	}
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x",
		&mac[0], &mac[1], &mac[2], &mac[3], &mac[4], &mac[5])
	if err != nil || n != 6 {
		return mac, fmt.Errorf("vioharness: invalid mac %q", s)
	}
	return mac, nil
}

func hostFeatureBits(nums []uint) uint64 {
	var bits uint64
	for _, n := range nums {
		bits |= 1 << n
	}
	return bits
}
