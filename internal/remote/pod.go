// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"io"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

// NewPodExecutor returns an [Executor] for clusters whose segment hosts are
// Pods. The host of a command is the name of a Pod in namespace; commands
// run in container.
//
// +kubebuilder:rbac:groups="",resources="pods/exec",verbs={create}
func NewPodExecutor(config *rest.Config, namespace, container string) (Executor, error) {
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, err
	}
	client := clientset.CoreV1().RESTClient()

	return func(
		ctx context.Context, pod string,
		stdin io.Reader, stdout, stderr io.Writer, command ...string,
	) error {
		request := client.Post().
			Resource("pods").SubResource("exec").
			Namespace(namespace).Name(pod).
			VersionedParams(&corev1.PodExecOptions{
				Container: container,
				Command:   command,
				Stdin:     stdin != nil,
				Stdout:    stdout != nil,
				Stderr:    stderr != nil,
			}, scheme.ParameterCodec)

		exec, err := remotecommand.NewSPDYExecutor(config, "POST", request.URL())

		if err == nil {
			err = exec.StreamWithContext(ctx, remotecommand.StreamOptions{
				Stdin:  stdin,
				Stdout: stdout,
				Stderr: stderr,
			})
		}

		return err
	}, nil
}
