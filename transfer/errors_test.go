package transfer

import (
	"errors"
	"testing"

	"fluxbridge/network"
)

func TestReasonUsesTaxonomyLabels(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: newTransferError(ErrChecksumExceeded, "s", "chunk 5 failed verification 3 times"), want: "ChecksumExceeded: chunk 5 failed verification 3 times"},
		{err: newTransferError(ErrIntegrity, "s", "file hash mismatch"), want: "IntegrityError: file hash mismatch"},
		{err: &TransferError{Kind: ErrPeerDisconnected, SessionID: "s"}, want: "PeerDisconnected: transfer: peer disconnected"},
		{err: nil, want: ""},
	}
	for _, tc := range tests {
		if got := Reason(tc.err); got != tc.want {
			t.Fatalf("Reason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRemoteErrorKeepsPeerClassification(t *testing.T) {
	err := remoteError("s", network.Control{Action: network.ActionFailed, Code: "DiskError", Reason: "disk full"})
	if !errors.Is(err, ErrDisk) || !isRemote(err) {
		t.Fatalf("expected remote disk error, got %v", err)
	}
	if Reason(err) != "DiskError: disk full" {
		t.Fatalf("unexpected reason %q", Reason(err))
	}

	unknown := remoteError("s", network.Control{Action: network.ActionReject})
	if !errors.Is(unknown, ErrNegotiationRejected) || Code(unknown) != "NegotiationRejected" {
		t.Fatalf("expected unknown codes to map to NegotiationRejected, got %v", unknown)
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := map[string]string{
		"report.txt":            "report.txt",
		"../../etc/passwd":      "passwd",
		`..\..\windows\win.ini`: "win.ini",
		"/abs/path/file.bin":    "file.bin",
		"..":                    "",
		"  ":                    "",
	}
	for in, want := range tests {
		if got := sanitizeFileName(in); got != want {
			t.Fatalf("sanitizeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChunkMath(t *testing.T) {
	if chunkCount(0, 64) != 0 || chunkCount(1, 64) != 1 || chunkCount(64, 64) != 1 || chunkCount(65, 64) != 2 {
		t.Fatalf("unexpected chunk counts")
	}
	if chunkLength(130, 64, 0) != 64 || chunkLength(130, 64, 2) != 2 || chunkLength(130, 64, 3) != 0 {
		t.Fatalf("unexpected chunk lengths")
	}
}
