package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/drover/pkg/backend/k8s"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/types"
	"github.com/cuemby/drover/pkg/workerspec"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

var renderCmd = &cobra.Command{
	Use:   "render -f job.yaml",
	Short: "Print the worker pod a job request would create",
	Long: `Render the pod manifest for one worker of a job request, merged with
the worker defaults from --config. Nothing is sent to the cluster.

Examples:
  # Inspect the pod for ordinal 0
  drover render -f job.yaml

  # Use controller defaults and a different ordinal
  drover render -f job.yaml -c drover.yaml --ordinal 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		cfgPath, _ := cmd.Flags().GetString("config")
		ordinal, _ := cmd.Flags().GetInt("ordinal")

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		cfg, err := config.Load(config.New(), cfgPath)
		if err != nil {
			return err
		}
		return renderJob(cmd.OutOrStdout(), data, cfg, ordinal)
	},
}

func init() {
	renderCmd.Flags().StringP("file", "f", "", "Job request YAML file (required)")
	renderCmd.Flags().StringP("config", "c", "", "Controller config supplying worker defaults")
	renderCmd.Flags().Int("ordinal", 0, "Worker ordinal to render")
	_ = renderCmd.MarkFlagRequired("file")
}

// parseJobRequest reads a job request, rejecting unknown keys
func parseJobRequest(data []byte) (types.JobResourceRequest, error) {
	var req types.JobResourceRequest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("failed to parse job request: %w", err)
	}
	return req, nil
}

func renderJob(w io.Writer, data []byte, cfg *config.Config, ordinal int) error {
	req, err := parseJobRequest(data)
	if err != nil {
		return err
	}
	spec, err := workerspec.Build(req, cfg.WorkerDefaults())
	if err != nil {
		return err
	}
	id := types.WorkerIdentity{JobID: req.JobID, Ordinal: ordinal, Generation: workerspec.Hash(spec)}
	pod, err := k8s.BuildPod(cfg.Kubernetes.Namespace, spec, id)
	if err != nil {
		return err
	}
	pod.APIVersion = "v1"
	pod.Kind = "Pod"

	out, err := sigsyaml.Marshal(pod)
	if err != nil {
		return fmt.Errorf("failed to encode pod: %w", err)
	}
	_, err = w.Write(out)
	return err
}
