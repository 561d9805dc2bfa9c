// Command gospec is a small flag-driven CLI over the spectrum library:
// it loads a file via pkg/dispatch and either writes it back out in
// one of the registered formats or encodes it as a raddata:// URI.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	_ "gospec/pkg/binspc"
	"gospec/pkg/dispatch"
	_ "gospec/pkg/iaeaspe"
	_ "gospec/pkg/pcf"
	"gospec/pkg/spectrum"
	"gospec/pkg/urispec"
)

var log = logrus.New()

var formatByName = map[string]dispatch.Format{
	"spe": dispatch.FormatIAEASPE,
	"spc": dispatch.FormatBinarySPC,
	"pcf": dispatch.FormatPCF,
}

func main() {
	in := flag.String("in", "", "input file path")
	out := flag.String("out", "", "output file path for -to (omit to write to stdout)")
	from := flag.String("from", "", "input format hint: spe, spc, pcf (omit to auto-detect)")
	to := flag.String("to", "", "output format: spe, spc, pcf, or uri")
	flag.Parse()

	if *in == "" {
		fmt.Fprintln(os.Stderr, "gospec: -in is required")
		os.Exit(2)
	}

	if err := run(*in, *out, *from, *to); err != nil {
		log.WithError(err).Error("gospec failed")
		os.Exit(1)
	}
}

func run(in, out, from, to string) error {
	f, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("opening %s: %w", in, err)
	}
	defer f.Close()

	hint := dispatch.FormatUnknown
	if from != "" {
		h, ok := formatByName[from]
		if !ok {
			return fmt.Errorf("unknown -from format %q", from)
		}
		hint = h
	}

	sf, format, err := dispatch.LoadFile(f, in, hint)
	if err != nil {
		return fmt.Errorf("loading %s: %w", in, err)
	}

	log.WithField("format", format).WithField("measurements", sf.NumMeasurements()).
		Info("loaded spectrum file")

	if to == "" {
		return nil
	}

	if to == "uri" {
		urls, err := toURIs(sf)
		if err != nil {
			return fmt.Errorf("encoding URI: %w", err)
		}
		if out == "" {
			for _, u := range urls {
				fmt.Println(u)
			}
			return nil
		}
		return writeLines(out, urls)
	}

	outFormat, ok := formatByName[to]
	if !ok {
		return fmt.Errorf("unknown -to format %q", to)
	}
	write, ok := dispatch.Lookup(outFormat)
	if !ok {
		return fmt.Errorf("no writer registered for format %q", to)
	}

	if out == "" {
		return write(os.Stdout, sf)
	}
	outFile, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer outFile.Close()
	return write(outFile, sf)
}

// toURIs converts every Measurement in sf to a single-spectrum
// raddata:// URL, encoded independently (no multi-spectrum or
// multi-part fragmentation -- that is pkg/urispec's concern to expose
// directly for callers who need it).
func toURIs(sf *spectrum.SpecFile) ([]string, error) {
	var urls []string
	for _, m := range sf.Measurements() {
		u := measurementToURL(m)
		encoded, err := urispec.EncodeSpectraToURL([]urispec.UrlSpectrum{u}, 0, 1)
		if err != nil {
			return nil, err
		}
		urls = append(urls, encoded...)
	}
	return urls, nil
}

// measurementToURL maps the core data model onto pkg/urispec's flat
// wire record.
func measurementToURL(m *spectrum.Measurement) urispec.UrlSpectrum {
	u := urispec.UrlSpectrum{
		Item:         itemForSourceType(m.SourceType),
		Title:        m.Title,
		Model:        m.DetectorName,
		HasStartTime: m.HasStartTime,
		StartTime:    m.StartTime,
		HasGPS:       m.HasGPS,
		Latitude:     m.GPS.Latitude,
		Longitude:    m.GPS.Longitude,
		NeutronSum:   -1,
		LiveTime:     m.LiveTime,
		RealTime:     m.RealTime,
	}
	if m.ContainedNeutron {
		u.NeutronSum = int(m.NeutronCountsSum)
	}
	if m.Calibration != nil {
		u.EnergyCalCoeffs = m.Calibration.Coefficients()
		for _, p := range m.Calibration.DeviationPairs() {
			u.DeviationPairsFlat = append(u.DeviationPairsFlat, p.Energy, p.Offset)
		}
	}
	u.Channels = make([]uint32, len(m.GammaCounts))
	for i, c := range m.GammaCounts {
		u.Channels[i] = uint32(c + 0.5)
	}
	return u
}

func itemForSourceType(t spectrum.SourceType) urispec.ItemType {
	switch t {
	case spectrum.SourceBackground:
		return urispec.ItemBackground
	case spectrum.SourceCalibration:
		return urispec.ItemCalibration
	case spectrum.SourceIntrinsicActivity:
		return urispec.ItemIntrinsic
	default:
		return urispec.ItemForeground
	}
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			return err
		}
	}
	return nil
}
