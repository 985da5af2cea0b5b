package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ifnfn/libvirtio/blkdrv"
	"github.com/ifnfn/libvirtio/internal/harness"
	"github.com/ifnfn/libvirtio/netdrv"
	"github.com/ifnfn/libvirtio/platform"
	"github.com/ifnfn/libvirtio/platform/hostmem"
	"github.com/ifnfn/libvirtio/transport/faketransport"
	"github.com/ifnfn/libvirtio/vio"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <scenario.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "vioharness:", err)
		os.Exit(1)
	}
}

func run(path string) error {
	scenario, err := loadScenario(path)
	if err != nil {
		return err
	}

	arena, err := hostmem.New(4 << 20)
	if err != nil {
		return fmt.Errorf("reserve arena: %w", err)
	}
	defer arena.Close()

	log := slog.Default()
	ctx := context.Background()

	switch scenario.Device {
	case "block":
		return runBlock(ctx, scenario, arena, log)
	case "net":
		return runNet(ctx, scenario, arena, log)
	default:
		return fmt.Errorf("unknown device kind %q (want \"block\" or \"net\")", scenario.Device)
	}
}

func runBlock(ctx context.Context, s *Scenario, arena *hostmem.Arena, log *slog.Logger) error {
	cfg := make([]byte, 32)
	putLE64(cfg[0:8], s.CapacitySectors)
	putLE32(cfg[20:24], s.BlkSize)

	tr := faketransport.New(arena.Memory(), hostFeatureBits(s.HostFeatures),
		[]faketransport.QueueConfig{{MaxSize: 64}}, cfg)

	dev, err := blkdrv.Init(ctx, tr, arena, platform.IdentityDMAMapper{}, log)
	if err != nil {
		return fmt.Errorf("block_init: %w", err)
	}
	fmt.Printf("block_init: optimal_block_size=%d capacity_sectors=%d\n", dev.BlockSize(), dev.Capacity())
	printTrajectory(tr)

	hv := harness.New(time.Millisecond)
	img := harness.NewBlockImage(int(s.CapacitySectors) * 512)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hv.Serve(runCtx, dev.Queue(), harness.BlockModel(img))

	for i, xfer := range s.Transfers {
		if err := runTransfer(ctx, dev, arena, xfer); err != nil {
			fmt.Printf("transfer[%d]: %v\n", i, err)
			continue
		}
	}
	return nil
}

func runTransfer(ctx context.Context, dev *blkdrv.Device, arena *hostmem.Arena, xfer TransferSpec) error {
	op, err := blockOp(xfer.Op)
	if err != nil {
		return err
	}
	dataLen := int(xfer.Count) * 512

	hdrAddr, _, err := arena.AllocAligned(16, 16)
	if err != nil {
		return err
	}
	dataAddr, mem, err := arena.AllocAligned(max(dataLen, 1), 16)
	if err != nil {
		return err
	}
	statusAddr, _, err := arena.AllocAligned(1, 16)
	if err != nil {
		return err
	}

	if op == vio.BlkTypeWrite {
		payload, err := xfer.data()
		if err != nil {
			return err
		}
		if _, err := mem.WriteAt(payload, int64(dataAddr)); err != nil {
			return err
		}
	}

	if err := dev.Transfer(ctx, blkdrv.Request{
		HeaderAddr: hdrAddr, DataAddr: dataAddr, StatusAddr: statusAddr,
		StartBlock: xfer.StartBlock, Count: xfer.Count, Op: op,
	}); err != nil {
		return err
	}

	comp, ok := pollComplete(ctx, dev)
	if !ok {
		return fmt.Errorf("request did not complete within deadline")
	}
	fmt.Printf("transfer op=%s start_block=%d count=%d status=%d bytes_moved=%d\n",
		xfer.Op, xfer.StartBlock, xfer.Count, comp.Status, comp.BytesMoved)
	return nil
}

func pollComplete(ctx context.Context, dev *blkdrv.Device) (blkdrv.Completion, bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		comp, ok, err := dev.Complete(ctx)
		if err == nil && ok {
			return comp, true
		}
		time.Sleep(time.Millisecond)
	}
	return blkdrv.Completion{}, false
}

func blockOp(name string) (uint32, error) {
	switch name {
	case "read":
		return vio.BlkTypeRead, nil
	case "write":
		return vio.BlkTypeWrite, nil
	case "flush":
		return vio.BlkTypeFlush, nil
	default:
		return 0, fmt.Errorf("unknown transfer op %q", name)
	}
}

func runNet(ctx context.Context, s *Scenario, arena *hostmem.Arena, log *slog.Logger) error {
	mac, err := parseMAC(s.MAC)
	if err != nil {
		return err
	}
	tr := faketransport.New(arena.Memory(), hostFeatureBits(s.HostFeatures),
		[]faketransport.QueueConfig{{MaxSize: 64}, {MaxSize: 64}}, mac[:])

	dev, err := netdrv.Open(ctx, tr, arena, platform.IdentityDMAMapper{}, log)
	if err != nil {
		return fmt.Errorf("net_open: %w", err)
	}
	fmt.Printf("net_open: mac=%02x:%02x:%02x:%02x:%02x:%02x\n", dev.MAC()[0], dev.MAC()[1], dev.MAC()[2], dev.MAC()[3], dev.MAC()[4], dev.MAC()[5])
	printTrajectory(tr)

	backend := &harness.LoopbackBackend{}
	hv := harness.New(time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hv.Serve(runCtx, dev.TXQueue(), harness.NetTxModel(backend))

	for i, spec := range s.Transmits {
		payload, err := spec.payload()
		if err != nil {
			fmt.Printf("transmit[%d]: %v\n", i, err)
			continue
		}
		if err := dev.Transmit(payload); err != nil {
			fmt.Printf("transmit[%d]: %v\n", i, err)
			continue
		}
		fmt.Printf("net_transmit: %d bytes queued\n", len(payload))
		reclaimed := pollReclaim(dev)
		fmt.Printf("net_transmit: reclaimed=%v\n", reclaimed)
	}

	for i, spec := range s.InjectsRX {
		frame, err := spec.payload()
		if err != nil {
			fmt.Printf("inject_rx[%d]: %v\n", i, err)
			continue
		}
		ok, err := harness.InjectRxFrame(dev.RXQueue(), frame)
		if err != nil || !ok {
			fmt.Printf("inject_rx[%d]: ok=%v err=%v\n", i, ok, err)
			continue
		}
		got, ok, err := dev.Receive()
		if err != nil || !ok {
			fmt.Printf("net_receive: ok=%v err=%v\n", ok, err)
			continue
		}
		fmt.Printf("net_receive: %d bytes\n", len(got.Payload))
	}
	return nil
}

func pollReclaim(dev *netdrv.Device) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := dev.ReclaimSent()
		if err == nil && ok {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func printTrajectory(tr *faketransport.Fake) {
	fmt.Print("status_trajectory: 0")
	for _, s := range tr.StatusHistory() {
		fmt.Printf(" -> %d", s)
	}
	fmt.Println()
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putLE32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
