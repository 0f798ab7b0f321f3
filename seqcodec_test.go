package rdt

import (
	"errors"
	"reflect"
	"testing"
)

func TestZipCodecTable(t *testing.T) {
	cases := []struct {
		name string
		in   []uint16
		want []uint16
	}{
		{
			name: "singletons-and-run",
			in:   []uint16{0x10, 0x20, 0x30, 0x31, 0x32, 0x33},
			want: []uint16{0x10, 0x20, 0x8030, 0x8033},
		},
		{
			name: "pair-run",
			in:   []uint16{0x10, 0x11},
			want: []uint16{0x8010, 0x8011},
		},
		{
			name: "dedupe-then-run",
			in:   []uint16{0x30, 0x40, 0x30, 0x22, 0x41, 0x42, 0x41},
			want: []uint16{0x22, 0x30, 0x8040, 0x8042},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := zipSeq(c.in)
			if err != nil {
				t.Fatalf("zipSeq(%v) error: %v", c.in, err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("zipSeq(%v) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

func TestUnzipCodecTable(t *testing.T) {
	got := unzipSeq([]uint16{0x10, 0x20, 0x8030, 0x8033})
	want := []uint16{0x10, 0x20, 0x30, 0x31, 0x32, 0x33}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unzipSeq = %v, want %v", got, want)
	}
}

func TestUnzipLoneMarkerDecays(t *testing.T) {
	got := unzipSeq([]uint16{0x8000})
	want := []uint16{0x00}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("unzipSeq([0x8000]) = %v, want %v", got, want)
	}
}

func TestZipRejectsMarkedInput(t *testing.T) {
	_, err := zipSeq([]uint16{0x8000})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zipSeq([0x8000]) error = %v, want ErrInvalidInput", err)
	}
}

func TestZipUnzipEmpty(t *testing.T) {
	z, err := zipSeq(nil)
	if err != nil {
		t.Fatalf("zipSeq(nil) error: %v", err)
	}
	if len(z) != 0 {
		t.Errorf("zipSeq(nil) = %v, want empty", z)
	}
	u := unzipSeq(nil)
	if len(u) != 0 {
		t.Errorf("unzipSeq(nil) = %v, want empty", u)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	inputs := [][]uint16{
		{1, 2, 3, 4, 5},
		{0, 1, 5, 6, 7, 100, 101, 200},
		{0x7FFF},
		{0, 0x7FFF},
		{5, 5, 5, 1, 1, 2},
	}
	for _, in := range inputs {
		sorted, err := sortDedupe(in)
		if err != nil {
			t.Fatalf("sortDedupe(%v): %v", in, err)
		}
		zipped, err := zipSeq(in)
		if err != nil {
			t.Fatalf("zipSeq(%v): %v", in, err)
		}
		got := unzipSeq(zipped)
		if !reflect.DeepEqual(got, sorted) {
			t.Errorf("unzip(zip(%v)) = %v, want %v", in, got, sorted)
		}
	}
}
