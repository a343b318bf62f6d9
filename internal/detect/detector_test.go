package detect

import "testing"

func TestPrimary(t *testing.T) {
	testCases := []struct {
		name     string
		faces    []Face
		wantOK   bool
		wantConf float64
		wantW    float64
	}{
		{
			name:   "no faces",
			faces:  nil,
			wantOK: false,
		},
		{
			name:     "single face",
			faces:    []Face{{Confidence: 0.7, Box: Box{Width: 0.2, Height: 0.2}}},
			wantOK:   true,
			wantConf: 0.7,
			wantW:    0.2,
		},
		{
			name: "higher confidence wins",
			faces: []Face{
				{Confidence: 0.6, Box: Box{Width: 0.5, Height: 0.5}},
				{Confidence: 0.9, Box: Box{Width: 0.1, Height: 0.1}},
			},
			wantOK:   true,
			wantConf: 0.9,
			wantW:    0.1,
		},
		{
			name: "ties break on area",
			faces: []Face{
				{Confidence: 0.8, Box: Box{Width: 0.1, Height: 0.1}},
				{Confidence: 0.8, Box: Box{Width: 0.3, Height: 0.3}},
			},
			wantOK:   true,
			wantConf: 0.8,
			wantW:    0.3,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			obs := Observation{Faces: tc.faces}
			got, ok := obs.Primary()
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, expected %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if got.Confidence != tc.wantConf || got.Box.Width != tc.wantW {
				t.Fatalf("primary = %+v", got)
			}
		})
	}
}

func TestConfigNormalize(t *testing.T) {
	var c Config
	c.Normalize()
	if c.MaxFaces != 4 {
		t.Fatalf("MaxFaces default = %d", c.MaxFaces)
	}
	if c.MinConfidence != 0.5 {
		t.Fatalf("MinConfidence default = %v", c.MinConfidence)
	}

	c = Config{MaxFaces: 2, MinConfidence: 0.8}
	c.Normalize()
	if c.MaxFaces != 2 || c.MinConfidence != 0.8 {
		t.Fatalf("explicit values overridden: %+v", c)
	}
}

func TestBoxCenter(t *testing.T) {
	b := Box{X: 0.2, Y: 0.4, Width: 0.4, Height: 0.2}
	if got := b.CenterX(); got != 0.4 {
		t.Fatalf("CenterX = %v", got)
	}
	if got := b.CenterY(); got != 0.5 {
		t.Fatalf("CenterY = %v", got)
	}
}
