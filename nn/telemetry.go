package nn

// ModelTelemetry summarizes a backbone's structure for a given input size.
type ModelTelemetry struct {
	ID          string           `json:"id"`
	InputShape  []int            `json:"input_shape"`
	TotalParams int              `json:"total_parameters"`
	Stages      []StageTelemetry `json:"stages"`
}

// StageTelemetry describes one stage boundary.
type StageTelemetry struct {
	Name        string `json:"name"`
	Blocks      int    `json:"blocks"`
	Parameters  int    `json:"parameters"`
	OutputShape []int  `json:"output_shape"`
}

// ExtractBlueprint reports stage shapes and parameter counts for an h x w input.
func ExtractBlueprint(b *Backbone, modelID string, h, w int) ModelTelemetry {
	tel := ModelTelemetry{
		ID:         modelID,
		InputShape: []int{b.Config.InChannels, h, w},
	}

	stemParams := countParams(b.conv1.Params()) + countParams(b.bn1.Params())
	stemH, stemW := b.StemSize(h, w)
	tel.Stages = append(tel.Stages, StageTelemetry{
		Name:        "stem",
		Parameters:  stemParams,
		OutputShape: []int{b.Config.BaseWidth, stemH, stemW},
	})
	tel.TotalParams = stemParams

	for i, s := range b.Stages {
		n := countParams(s.Params())
		tel.Stages = append(tel.Stages, StageTelemetry{
			Name:        s.Name,
			Blocks:      len(s.Blocks),
			Parameters:  n,
			OutputShape: b.StageShape(i, h, w),
		})
		tel.TotalParams += n
	}

	headParams := countParams(b.fc.Params())
	tel.Stages = append(tel.Stages, StageTelemetry{
		Name:        "fc",
		Parameters:  headParams,
		OutputShape: []int{b.Config.NumClasses},
	})
	tel.TotalParams += headParams
	return tel
}

// CountParams returns the number of scalar values across params.
func CountParams(params []*Param) int {
	return countParams(params)
}

func countParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value.Data)
	}
	return n
}
