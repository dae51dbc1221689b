// Copyright 2025 Certen Protocol

package merkle

import "testing"

func testPubKeys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		keys[i] = []byte{byte(i), byte(i + 1), byte(i + 2)}
	}
	return keys
}

func TestValidatorSetTreeMergedProofRoundTrip(t *testing.T) {
	keys := testPubKeys(7)
	vst, err := BuildValidatorSetTree(keys)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	signers := []int{0, 2, 5}
	mp, err := vst.BuildMergedProof(signers)
	if err != nil {
		t.Fatalf("build merged proof: %v", err)
	}

	ok, err := VerifyMergedProof(mp.Leaves, mp.Siblings, mp.Indices, vst.Depth(), vst.Root())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected merged proof to verify")
	}
}

func TestValidatorSetTreeMergedProofRejectsTamperedRoot(t *testing.T) {
	keys := testPubKeys(4)
	vst, err := BuildValidatorSetTree(keys)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	mp, err := vst.BuildMergedProof([]int{1, 3})
	if err != nil {
		t.Fatalf("build merged proof: %v", err)
	}

	badRoot := append([]byte(nil), vst.Root()...)
	badRoot[0] ^= 0xff

	ok, err := VerifyMergedProof(mp.Leaves, mp.Siblings, mp.Indices, vst.Depth(), badRoot)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected merged proof against tampered root to fail")
	}
}

func TestValidatorSetTreeIndexOf(t *testing.T) {
	keys := testPubKeys(5)
	vst, err := BuildValidatorSetTree(keys)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	idx, ok := vst.IndexOf(keys[3])
	if !ok || idx != 3 {
		t.Fatalf("expected index 3, got %d, ok=%v", idx, ok)
	}

	if _, ok := vst.IndexOf([]byte("not-a-member")); ok {
		t.Fatal("expected unknown key to not be found")
	}
}
