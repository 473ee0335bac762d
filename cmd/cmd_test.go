package cmd

import (
	"bytes"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"firestige.xyz/tunsidecar/internal/classifier"
	"firestige.xyz/tunsidecar/internal/config"
)

func udpPacket(t *testing.T, dst string) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, 5).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: 5000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
			DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip, udp, gopacket.Payload("q")))
	return buf.Bytes()
}

func writeCapture(t *testing.T, packets ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "egress.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for _, p := range packets {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: len(p), Length: len(p)}
		require.NoError(t, w.WritePacket(ci, p))
	}
	return path
}

func testConfig(t *testing.T, opts ...config.Option) *config.Config {
	t.Helper()
	opts = append([]config.Option{config.WithInterfaces([]string{"eth0"}), config.WithTunnel("tun0")}, opts...)
	cfg, err := config.Load("", opts...)
	require.NoError(t, err)
	return cfg
}

func TestRunReplay(t *testing.T) {
	path := writeCapture(t,
		udpPacket(t, "1.1.1.1"),
		udpPacket(t, "8.8.8.8"),
		udpPacket(t, "1.1.1.1"),
		[]byte{1, 2, 3},
	)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	src, err := openCapture(f, path)
	require.NoError(t, err)

	var verbose bytes.Buffer
	sum, err := runReplay(testConfig(t), src, 9, classifier.Metadata{}, &verbose)
	require.NoError(t, err)

	assert.Equal(t, 4, sum.packets)
	assert.Equal(t, 2, sum.passed)
	assert.Equal(t, map[uint32]int{9: 2}, sum.redirected)
	assert.Contains(t, verbose.String(), "#1 redirect udp, 10.0.0.5:5000 => 1.1.1.1:53")

	var out bytes.Buffer
	sum.print(&out)
	assert.Contains(t, out.String(), "sentinel:   1.1.1.1")
	assert.Contains(t, out.String(), "redirected: 2 (ifindex 9)")
}

func TestRunReplayBypassMark(t *testing.T) {
	path := writeCapture(t, udpPacket(t, "1.1.1.1"))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	src, err := openCapture(f, path)
	require.NoError(t, err)

	cfg := testConfig(t, config.WithBypassMarks([]uint32{0xff}))
	sum, err := runReplay(cfg, src, 9, classifier.Metadata{Mark: 0xff}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.passed)
	assert.Empty(t, sum.redirected)
}

func TestOpenCaptureRejectsGarbage(t *testing.T) {
	_, err := openCapture(bytes.NewReader([]byte("not a capture")), "x.pcap")
	assert.Error(t, err)
}

func TestConfigFlagsOptions(t *testing.T) {
	var f configFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{
		"-i", "eth0", "--iface", "eth1",
		"-t", "tun0",
		"-m", "0xff,42",
		"-p", "1234",
		"--sentinel", "192.0.2.9",
	}))

	opts, err := f.options(fs)
	require.NoError(t, err)
	cfg, err := config.Load("", opts...)
	require.NoError(t, err)

	assert.Equal(t, []string{"eth0", "eth1"}, cfg.Interfaces)
	assert.Equal(t, "tun0", cfg.Tunnel.Name)
	assert.Equal(t, []uint32{0xff, 42}, cfg.Bypass.Marks)
	assert.Equal(t, []uint32{1234}, cfg.Bypass.Pids)
	assert.Equal(t, netip.MustParseAddr("192.0.2.9"), cfg.Redirect.Sentinel)
}

func TestConfigFlagsRejectBadValues(t *testing.T) {
	for _, args := range [][]string{
		{"-m", "mark"},
		{"-p", "pid1"},
		{"--sentinel", "nowhere"},
	} {
		var f configFlags
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		f.register(fs)
		require.NoError(t, fs.Parse(args))
		_, err := f.options(fs)
		assert.Error(t, err, "%v", args)
	}
}

func TestRunValidate(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runValidate(testConfig(t), &out))
	assert.Contains(t, out.String(), "# VALID")
	assert.Contains(t, out.String(), "tun-sidecar:")
	assert.Contains(t, out.String(), "name: tun0")
}

func TestSentinelFilter(t *testing.T) {
	vm, err := bpf.NewVM(sentinelFilter(netip.MustParseAddr("1.1.1.1")))
	require.NoError(t, err)

	for _, tt := range []struct {
		name   string
		packet []byte
		accept bool
	}{
		{"sentinel", udpPacket(t, "1.1.1.1"), true},
		{"other destination", udpPacket(t, "8.8.8.8"), false},
		{"short frame", []byte{1, 2, 3}, false},
	} {
		n, err := vm.Run(tt.packet)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.accept, n > 0, tt.name)
	}
}

func TestReplayFlagsExclusive(t *testing.T) {
	rootCmd.SetArgs([]string{"replay", "-r", "a.pcap", "--live", "eth0", "-t", "tun0", "-i", "eth0"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "none of the others can be")
}
