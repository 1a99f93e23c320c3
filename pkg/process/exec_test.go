// Copyright (C) 2018 Storj Labs, Inc.
// See LICENSE for copying information.

package process_test

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/driftwave/eventstore/pkg/process"
)

type MockedService struct {
	mock.Mock
}

func (m *MockedService) InstanceID() string {
	return ""
}

func (m *MockedService) Process(ctx context.Context, cmd *cobra.Command, args []string) error {
	arguments := m.Called(ctx, cmd, args)
	return arguments.Error(0)
}

func (m *MockedService) SetLogger(*zap.Logger) error {
	args := m.Called()
	return args.Error(0)
}

func TestMainSingleProcess(t *testing.T) {
	mockService := new(MockedService)
	mockService.On("SetLogger", mock.Anything).Return(nil)
	mockService.On("Process", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	assert.Nil(t, process.Main(func() error { return nil }, mockService))
	mockService.AssertExpectations(t)
}

func TestMainProcessError(t *testing.T) {
	mockService := MockedService{}

	err := process.ErrLogger.New("process error")
	mockService.On("SetLogger", mock.Anything).Return(nil)
	mockService.On("Process", mock.Anything, mock.Anything, mock.Anything).Return(err)
	assert.Equal(t, err, process.Main(func() error { return nil }, &mockService))
	mockService.AssertExpectations(t)
}
