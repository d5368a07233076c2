package domain

// Stage labels one step of the processing pipeline.
type Stage string

const (
	StageValidation     Stage = "VALIDATION"
	StageScanning       Stage = "SCANNING"
	StageParsing        Stage = "PARSING"
	StageDatabase       Stage = "DATABASE"
	StageCategorization Stage = "CATEGORIZATION"
	StageCompletion     Stage = "COMPLETION"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{
	StageValidation,
	StageScanning,
	StageParsing,
	StageDatabase,
	StageCategorization,
	StageCompletion,
}

// stageBounds reserves a progress percentage sub-range for each stage.
var stageBounds = map[Stage][2]float64{
	StageValidation:     {0, 20},
	StageScanning:       {20, 40},
	StageParsing:        {40, 60},
	StageDatabase:       {60, 80},
	StageCategorization: {80, 95},
	StageCompletion:     {95, 100},
}

// StageBounds returns the [start, end] percentage range reserved for a stage.
func StageBounds(stage Stage) (float64, float64) {
	b, ok := stageBounds[stage]
	if !ok {
		return 0, 100
	}
	return b[0], b[1]
}

// StageProgress maps completion of a fraction of a stage's work onto the
// overall percentage. The fraction is clamped to [0, 1].
func StageProgress(stage Stage, fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	start, end := StageBounds(stage)
	return start + (end-start)*fraction
}
