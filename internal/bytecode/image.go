package bytecode

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// cborEncMode uses canonical options so image bytes are deterministic
// for a given set of chunks.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ImageVersion is the current image container version.
const ImageVersion uint16 = 1

// Image is an on-disk cache of compiled functions: a CBOR container
// holding each chunk's §6 wire-format payload verbatim, so the byte
// layout the compiler and VM agree on survives the container unchanged.
// Constants do not round-trip (value.Value has no host-independent wire
// encoding); a host loading an image reattaches its own constant pools.
type Image struct {
	Version   uint16            `cbor:"version"`
	BuildID   string            `cbor:"build_id"`
	Functions map[string][]byte `cbor:"functions"`
}

// NewImage allocates an empty image tagged with a fresh build id.
func NewImage() *Image {
	return &Image{
		Version:   ImageVersion,
		BuildID:   uuid.NewString(),
		Functions: make(map[string][]byte),
	}
}

// Add serializes a chunk into the image under its function name.
func (img *Image) Add(c *Chunk) error {
	name := c.FunctionName()
	if name == "" {
		return fmt.Errorf("bytecode: cannot image a chunk with no function name")
	}
	if _, dup := img.Functions[name]; dup {
		return fmt.Errorf("bytecode: duplicate function %q in image", name)
	}
	img.Functions[name] = c.Serialize()
	return nil
}

// Chunk deserializes the named function from the image.
func (img *Image) Chunk(name string) (*Chunk, error) {
	data, ok := img.Functions[name]
	if !ok {
		return nil, fmt.Errorf("bytecode: function %q not in image", name)
	}
	c, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("bytecode: function %q: %w", name, err)
	}
	c.Name = name
	return c, nil
}

// Names lists the functions in the image.
func (img *Image) Names() []string {
	out := make([]string, 0, len(img.Functions))
	for name := range img.Functions {
		out = append(out, name)
	}
	return out
}

// MarshalImage serializes an image to canonical CBOR bytes.
func MarshalImage(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// UnmarshalImage deserializes an image from CBOR bytes.
func UnmarshalImage(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal image: %w", err)
	}
	if img.Version > ImageVersion {
		return nil, fmt.Errorf("bytecode: image version %d newer than supported %d", img.Version, ImageVersion)
	}
	return &img, nil
}

// WriteImageFile writes an image to path.
func WriteImageFile(path string, img *Image) error {
	data, err := MarshalImage(img)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadImageFile reads an image from path.
func ReadImageFile(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return UnmarshalImage(data)
}
