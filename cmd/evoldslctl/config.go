package main

import (
	"encoding/json"
	"fmt"
	"os"

	api "github.com/allthingssecurity/evoldsl/pkg/evoldsl"
)

// loadRunRequestFromConfig reads a run request from a JSON file with
// tolerant key parsing: unknown keys are ignored, numbers may arrive as
// JSON floats, and a single task may be given flat or under "tasks".
func loadRunRequestFromConfig(path string) (api.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return api.RunRequest{}, err
	}

	var req api.RunRequest
	if tasks, ok := raw["tasks"].([]any); ok {
		for _, item := range tasks {
			taskMap, ok := item.(map[string]any)
			if !ok {
				continue
			}
			req.Tasks = append(req.Tasks, taskFromMap(taskMap))
		}
	} else if _, ok := asString(raw["task"]); ok {
		req.Tasks = append(req.Tasks, taskFromMap(raw))
	}

	if v, ok := asInt(raw["cycles"]); ok {
		req.Cycles = v
	}
	if v, ok := asInt(raw["iterations"]); ok {
		req.MCTSIterations = v
	}
	if v, ok := asInt(raw["population"]); ok {
		req.Population = v
	}
	if v, ok := asInt(raw["generations"]); ok {
		req.Generations = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asFloat64(raw["integration_threshold"]); ok {
		req.IntegrationThreshold = v
	}
	if v, ok := asInt(raw["max_new_per_cycle"]); ok {
		req.MaxNewPerCycle = v
	}
	if v, ok := asString(raw["oracle"]); ok {
		req.Oracle.Kind = v
	}
	if v, ok := asString(raw["openai_model"]); ok {
		req.Oracle.OpenAIModel = v
	}
	return req, nil
}

func taskFromMap(raw map[string]any) api.TaskSpec {
	var task api.TaskSpec
	if v, ok := asString(raw["task"]); ok {
		task.Description = v
	}
	if v, ok := asString(raw["description"]); ok {
		task.Description = v
	}
	if v, ok := asString(raw["function"]); ok {
		task.FunctionName = v
	}
	if v, ok := asString(raw["return"]); ok {
		task.ReturnType = v
	}
	if params, ok := raw["params"].([]any); ok {
		for _, item := range params {
			if s, ok := asString(item); ok {
				task.Params = append(task.Params, s)
			}
		}
	} else if v, ok := asString(raw["params"]); ok {
		task.Params = splitParams(v)
	}
	return task
}

func loadOrDefaultRunRequest(configPath string) (api.RunRequest, error) {
	if configPath == "" {
		return api.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return api.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}

// overrideFromFlags applies explicitly set command-line flags on top of a
// config-file request.
func overrideFromFlags(req *api.RunRequest, set map[string]bool, values map[string]any) {
	if set["task"] || set["function"] || set["params"] || set["return"] {
		task := api.TaskSpec{}
		if len(req.Tasks) > 0 {
			task = req.Tasks[0]
		}
		if set["task"] {
			task.Description = values["task"].(string)
		}
		if set["function"] {
			task.FunctionName = values["function"].(string)
		}
		if set["params"] {
			task.Params = splitParams(values["params"].(string))
		}
		if set["return"] {
			task.ReturnType = values["return"].(string)
		}
		if len(req.Tasks) > 0 {
			req.Tasks[0] = task
		} else {
			req.Tasks = []api.TaskSpec{task}
		}
	}
	for name := range set {
		switch name {
		case "cycles":
			req.Cycles = values["cycles"].(int)
		case "iterations":
			req.MCTSIterations = values["iterations"].(int)
		case "pop":
			req.Population = values["pop"].(int)
		case "gens":
			req.Generations = values["gens"].(int)
		case "seed":
			req.Seed = values["seed"].(int64)
		case "threshold":
			req.IntegrationThreshold = values["threshold"].(float64)
		case "max-new":
			req.MaxNewPerCycle = values["max-new"].(int)
		}
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}
