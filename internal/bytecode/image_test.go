package bytecode

import (
	"path/filepath"
	"testing"
)

func imageChunk(name string) *Chunk {
	c := NewChunk(1, 1, 3)
	c.Name = name
	c.AddID("x")
	c.EmitWithOperands(OpPushSlotNargout1, 2)
	c.EmitWithOperands(OpAssign, 1)
	c.Emit(OpRet)
	c.AddLoc(LocEntry{IPStart: 4, IPEnd: 9, Line: 2, Column: 3})
	return c
}

func TestImageRoundTrip(t *testing.T) {
	img := NewImage()
	if err := img.Add(imageChunk("f")); err != nil {
		t.Fatal(err)
	}
	if err := img.Add(imageChunk("g")); err != nil {
		t.Fatal(err)
	}

	data, err := MarshalImage(img)
	if err != nil {
		t.Fatalf("MarshalImage: %v", err)
	}
	got, err := UnmarshalImage(data)
	if err != nil {
		t.Fatalf("UnmarshalImage: %v", err)
	}
	if got.BuildID != img.BuildID || len(got.Functions) != 2 {
		t.Fatalf("image mismatch: %+v", got)
	}

	f, err := got.Chunk("f")
	if err != nil {
		t.Fatal(err)
	}
	if f.Header.NumReturns() != 1 || f.Header.NumArgs() != 1 {
		t.Fatalf("frame header lost: %+v", f.Header)
	}
	if len(f.Ids) != 1 || f.Ids[0] != "x" {
		t.Fatalf("ids lost: %v", f.Ids)
	}
	if line, _ := f.LocAt(5); line != 2 {
		t.Fatalf("loc table lost: line=%d", line)
	}
}

func TestImageCanonicalEncodingIsDeterministic(t *testing.T) {
	build := func() *Image {
		img := NewImage()
		img.BuildID = "fixed"
		img.Add(imageChunk("a"))
		img.Add(imageChunk("b"))
		return img
	}
	d1, err := MarshalImage(build())
	if err != nil {
		t.Fatal(err)
	}
	d2, err := MarshalImage(build())
	if err != nil {
		t.Fatal(err)
	}
	if string(d1) != string(d2) {
		t.Fatal("canonical CBOR encoding should be deterministic")
	}
}

func TestImageRejectsDuplicatesAndUnknowns(t *testing.T) {
	img := NewImage()
	if err := img.Add(imageChunk("f")); err != nil {
		t.Fatal(err)
	}
	if err := img.Add(imageChunk("f")); err == nil {
		t.Fatal("expected duplicate-function error")
	}
	if _, err := img.Chunk("missing"); err == nil {
		t.Fatal("expected unknown-function error")
	}
}

func TestImageFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.ovmi")
	img := NewImage()
	if err := img.Add(imageChunk("f")); err != nil {
		t.Fatal(err)
	}
	if err := WriteImageFile(path, img); err != nil {
		t.Fatal(err)
	}
	got, err := ReadImageFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := got.Chunk("f"); err != nil {
		t.Fatal(err)
	}
}
