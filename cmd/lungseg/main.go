package main

import (
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"lungseg/pkg/config"
	"lungseg/pkg/dataset"
	"lungseg/pkg/generator"
	"lungseg/pkg/visualization"
)

func main() {
	klog.InitFlags(nil)

	// Parse command line arguments
	configPath := flag.String("config", "config.yaml", "YAML settings file")
	csvPath := flag.String("csv", "", "Sample table, overrides dataset.csv from the settings file")
	numEpochs := flag.Int("epochs", 1, "Number of epochs to run through the generators")
	preview := flag.Bool("preview", false, "Save the first batch of every epoch as PNG previews")
	initConfig := flag.Bool("init-config", false, "Write a default settings file to -config and exit")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write settings file: %+v", err)
		}
		fmt.Printf("Default settings written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %+v", err)
	}
	if *csvPath != "" {
		cfg.Dataset.CSV = *csvPath
	}
	if cfg.Output.Verbose && !isFlagSet("v") {
		if err := flag.Set("v", "1"); err != nil {
			klog.Warningf("Failed to raise log verbosity: %v", err)
		}
	}

	table, err := dataset.LoadCSV(cfg.Dataset.CSV, cfg.Dataset.BaseDir)
	if err != nil {
		log.Fatalf("Failed to load sample table: %+v", err)
	}
	trainTable, validationTable, err := table.Split(cfg.Dataset.ValidationSplit, cfg.Dataset.SplitSeed)
	if err != nil {
		log.Fatalf("Failed to split sample table: %+v", err)
	}

	fmt.Println("================================")
	fmt.Println("LUNG SEGMENTATION BATCH GENERATOR")
	fmt.Println("================================")
	fmt.Printf("Samples: %d (train %d, validation %d)\n", table.Len(), trainTable.Len(), validationTable.Len())
	fmt.Printf("Image size: %dx%d, batch size: %d, shuffle: %v\n",
		cfg.Height(), cfg.Width(), cfg.Generator.BatchSize, cfg.Generator.Shuffle)
	fmt.Printf("Augmentation: rotation <= %d deg, flip %d%%, brightness <= %.2f\n",
		cfg.Augmentation.MaxRotation, cfg.Augmentation.FlipProbability, cfg.Augmentation.MaxBrightness)

	phases := []struct {
		name  string
		table *dataset.Table
	}{
		{"train", trainTable},
		{"validation", validationTable},
	}
	providers := make([]*generator.Generator, len(phases))
	for i, phase := range phases {
		providers[i], err = generator.NewFromConfig(phase.table, cfg)
		if err != nil {
			log.Fatalf("Failed to create %s generator: %+v", phase.name, err)
		}
	}

	targetScale := float64(visualization.MaskScale)
	if cfg.Generator.NormalizeTarget {
		targetScale = 255
	}

	startTime := time.Now()
	for epoch := 0; epoch < *numEpochs; epoch++ {
		for i, phase := range phases {
			var previewDir string
			if *preview {
				previewDir = filepath.Join(cfg.Output.PreviewDir, fmt.Sprintf("epoch_%03d", epoch))
			}
			desc := fmt.Sprintf("epoch %d/%d %s", epoch+1, *numEpochs, phase.name)
			if err := runEpoch(providers[i], desc, phase.name, previewDir, targetScale); err != nil {
				log.Fatalf("Epoch %d failed: %+v", epoch+1, err)
			}
		}
	}
	fmt.Printf("\nCompleted %d epochs in %.2f seconds\n", *numEpochs, time.Since(startTime).Seconds())
}

// runEpoch fetches every batch of one epoch, reports their statistics and
// signals the end of the epoch to the generator.
func runEpoch(p generator.Provider, desc, prefix, previewDir string, targetScale float64) error {
	numBatches := p.BatchCount()
	if numBatches == 0 {
		fmt.Printf("%s: not enough samples for a single batch\n", desc)
		p.OnEpochEnd()
		return nil
	}

	bar := progressbar.Default(int64(numBatches), desc)
	var totalBytes uint64
	for idx := 0; idx < numBatches; idx++ {
		batch, err := p.GetBatch(idx)
		if err != nil {
			return errors.WithMessagef(err, "%s batch %d", prefix, idx)
		}
		totalBytes += uint64(4 * (batch.Input.Len() + batch.Target.Len()))

		if idx == 0 {
			klog.Infof("%s first batch: input %s, target %s, classes %v", desc,
				generator.Stats(batch.Input), generator.Stats(batch.Target), generator.ClassCounts(batch.Target))
			if previewDir != "" {
				files, err := visualization.NewViewer(batch, targetScale).SaveBatch(previewDir, prefix)
				if err != nil {
					klog.Warningf("Failed to save previews: %v", err)
				} else {
					klog.V(1).Infof("Saved %d previews to %s", len(files), previewDir)
				}
			}
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	p.OnEpochEnd()

	fmt.Printf("%s: %d batches, %s of tensors\n", desc, numBatches, humanize.Bytes(totalBytes))
	return nil
}

// isFlagSet reports whether the named flag was given on the command line.
func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
