package weights

// Built-in profile names.
const (
	ProfileDefault        = "default"
	ProfileValidatorHeavy = "validator-heavy"
	ProfileDistanceOnly   = "distance-only"
)

// Builtin returns the profiles every deployment registers at startup.
func Builtin() []Profile {
	return []Profile{
		{
			Name:           ProfileDefault,
			DistanceWeight: 0.50,
			Validators: map[string]float64{
				"nip05Valid":       0.15,
				"lightningAddress": 0.10,
				"eventKind10002":   0.10,
				"reciprocity":      0.15,
			},
		},
		{
			Name:           ProfileValidatorHeavy,
			DistanceWeight: 0.30,
			Validators: map[string]float64{
				"nip05Valid":       0.20,
				"lightningAddress": 0.15,
				"eventKind10002":   0.15,
				"reciprocity":      0.20,
			},
		},
		{
			Name:           ProfileDistanceOnly,
			DistanceWeight: 1.0,
			Validators:     map[string]float64{},
		},
	}
}
