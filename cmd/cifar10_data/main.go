// Convert the CIFAR-10 binary release into train and test directories with one PNG file per image,
// stored in a subdirectory for each class.
package main

import (
	"fmt"
	"image/png"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/jnb666/convnet/img"
	"github.com/jnb666/convnet/nnet"
)

var trainFiles = []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"}

func main() {
	var src, dst string
	cmd := &cobra.Command{
		Use:          "cifar10_data",
		Short:        "Write the CIFAR-10 binary batches out as PNG images",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetFlags(0)
			classes, err := img.ReadClasses(filepath.Join(src, "batches.meta.txt"))
			if err != nil || len(classes) == 0 {
				classes = img.CIFARClasses
			}
			if err := convert(src, trainFiles, filepath.Join(dst, "train"), classes); err != nil {
				return err
			}
			return convert(src, []string{"test_batch.bin"}, filepath.Join(dst, "test"), classes)
		},
	}
	cmd.Flags().StringVarP(&src, "src", "s", "cifar-10-batches-bin", "directory with the binary batch files")
	cmd.Flags().StringVarP(&dst, "data_dir", "w", "data", "output directory")
	if err := cmd.Execute(); err != nil {
		nnet.CheckErr(err)
	}
}

// read the batch files and write each image as dir/<class>/<n>.png where n counts from 1 across all of the files
func convert(src string, files []string, dir string, classes []string) error {
	for _, class := range classes {
		if err := os.MkdirAll(filepath.Join(dir, class), 0755); err != nil {
			return err
		}
	}
	var labels []int32
	var images []img.Image
	for _, name := range files {
		f, err := os.Open(filepath.Join(src, name))
		if err != nil {
			return err
		}
		l, m, err := img.ReadCIFARBatch(f, 3)
		f.Close()
		if err != nil {
			return fmt.Errorf("error reading %s: %w", name, err)
		}
		labels = append(labels, l...)
		images = append(images, m...)
	}
	for _, l := range labels {
		if int(l) >= len(classes) {
			return fmt.Errorf("label %d out of range: have %d classes", l, len(classes))
		}
	}
	if err := writeImages(dir, classes, labels, images); err != nil {
		return err
	}
	log.Printf("wrote %d images to %s", len(images), dir)
	return nil
}

func writeImages(dir string, classes []string, labels []int32, images []img.Image) error {
	threads := runtime.GOMAXPROCS(0)
	errs := make([]error, threads)
	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			for i := t; i < len(images) && errs[t] == nil; i += threads {
				name := filepath.Join(dir, classes[labels[i]], strconv.Itoa(i+1)+".png")
				errs[t] = writePNG(name, images[i])
			}
		}(t)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func writePNG(name string, m img.Image) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := png.Encode(f, m); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", name, err)
	}
	return f.Close()
}
