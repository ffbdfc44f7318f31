package dataset

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	idxImagesMagic = 0x00000803
	idxLabelsMagic = 0x00000801

	trainImagesFile = "train-images-idx3-ubyte.gz"
	trainLabelsFile = "train-labels-idx1-ubyte.gz"
	testImagesFile  = "t10k-images-idx3-ubyte.gz"
	testLabelsFile  = "t10k-labels-idx1-ubyte.gz"
)

// LoadMNIST reads the four standard MNIST archives from dir.
func LoadMNIST(dir string) (train, test *Dataset, err error) {
	train, err = ReadIDX(filepath.Join(dir, trainImagesFile), filepath.Join(dir, trainLabelsFile), 10)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mnist train split")
	}
	test, err = ReadIDX(filepath.Join(dir, testImagesFile), filepath.Join(dir, testLabelsFile), 10)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mnist test split")
	}
	return train, test, nil
}

// ReadIDX loads an IDX image file and its label file. Either may be gzipped.
// Pixel bytes are scaled to [0,1].
func ReadIDX(imagesPath, labelsPath string, numClasses int) (*Dataset, error) {
	images, err := readIDXFile(imagesPath)
	if err != nil {
		return nil, err
	}
	labels, err := readIDXFile(labelsPath)
	if err != nil {
		return nil, err
	}
	return decodeIDX(images, labels, numClasses)
}

func readIDXFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if head, err := br.Peek(2); err == nil && head[0] == 0x1f && head[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrapf(err, "gunzip %s", path)
		}
		defer gz.Close()
		r = gz
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return data, nil
}

func decodeIDX(images, labels []byte, numClasses int) (*Dataset, error) {
	ir := bytes.NewReader(images)
	var hdr struct {
		Magic, Count, Rows, Cols uint32
	}
	if err := binary.Read(ir, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "idx image header")
	}
	if hdr.Magic != idxImagesMagic {
		return nil, errors.Errorf("idx images: bad magic %#x", hdr.Magic)
	}
	lr := bytes.NewReader(labels)
	var lhdr struct {
		Magic, Count uint32
	}
	if err := binary.Read(lr, binary.BigEndian, &lhdr); err != nil {
		return nil, errors.Wrap(err, "idx label header")
	}
	if lhdr.Magic != idxLabelsMagic {
		return nil, errors.Errorf("idx labels: bad magic %#x", lhdr.Magic)
	}
	if lhdr.Count != hdr.Count {
		return nil, errors.Errorf("idx: %d images but %d labels", hdr.Count, lhdr.Count)
	}

	size := int(hdr.Rows * hdr.Cols)
	n := int(hdr.Count)
	pixels := images[16:]
	if len(pixels) < n*size {
		return nil, errors.Errorf("idx images: want %d bytes, have %d", n*size, len(pixels))
	}
	classes := labels[8:]
	if len(classes) < n {
		return nil, errors.Errorf("idx labels: want %d bytes, have %d", n, len(classes))
	}

	ds := &Dataset{
		Features:   make([][]float64, n),
		Labels:     make([]int, n),
		NumClasses: numClasses,
	}
	for i := 0; i < n; i++ {
		row := make([]float64, size)
		for j, px := range pixels[i*size : (i+1)*size] {
			row[j] = float64(px) / 255
		}
		ds.Features[i] = row
		ds.Labels[i] = clampLabel(int(classes[i]), numClasses)
	}
	return ds, nil
}
