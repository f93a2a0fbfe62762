package vm

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/chazu/kestrel/vm/image"
)

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

// SaveImage reads src as assembly and writes its forms to path as an image.
func (vm *VM) SaveImage(src, name, path string) error {
	var buf bytes.Buffer
	if err := vm.SaveImageTo(&buf, src, name); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// SaveImageTo writes the image of src to w. The forms are checked by a
// trial assembly first so that a broken image is never produced.
func (vm *VM) SaveImageTo(w io.Writer, src, name string) error {
	if vm.worldHeld > 0 {
		return ErrReentrant
	}
	vm.acquireWorld()
	data, err := vm.imageBytes(src, name)
	vm.releaseWorld()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (vm *VM) imageBytes(src, name string) ([]byte, error) {
	if _, err := vm.assemble(src, name); err != nil {
		return nil, err
	}
	forms, err := newReader(vm, src, name).readAll()
	if err != nil {
		return nil, err
	}
	return image.Encode(vm.heap, name, vm.list(forms...))
}

// LoadImage runs the image stored at path.
func (vm *VM) LoadImage(path string) (Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return Nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer f.Close()

	return vm.LoadImageFrom(f)
}

// LoadImageFrom runs an image read from r.
func (vm *VM) LoadImageFrom(r io.Reader) (Value, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return Nil, err
	}
	return vm.LoadImageFromBytes(buf.Bytes())
}

// LoadImageFromBytes decodes, prebinds and runs an image. Its closures
// carry no source comments.
func (vm *VM) LoadImageFromBytes(data []byte) (Value, error) {
	if vm.worldHeld > 0 {
		return Nil, ErrReentrant
	}
	vm.acquireWorld()
	forms, img, err := image.Decode(vm.heap, data)
	if err == nil {
		forms, err = vm.prebind(forms, img.Source)
	}
	vm.Protect(&forms)
	vm.releaseWorld()
	defer vm.Unprotect(&forms)
	if err != nil {
		return Nil, err
	}

	result, err := vm.runForms(&forms)
	if err != nil {
		return Nil, fmt.Errorf("%s: %w", img.Source, err)
	}
	return result, nil
}
