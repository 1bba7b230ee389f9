package tts

import (
	"fmt"
	"io"
	"os"

	"github.com/hraban/opus"
	wav "github.com/youpy/go-wav"
)

const (
	opusSampleRate    = 16000
	opusChannels      = 1
	opusFrameDuration = 60 // 毫秒
	opusFrameSamples  = opusSampleRate * opusFrameDuration / 1000
)

// wavToOpusFrames 读取 wav 产物并编码为 60ms 的 opus 帧序列，返回帧与总时长（秒）。
// 非 16k 单声道的输入按最近邻重采样到目标格式
func wavToOpusFrames(path string) ([][]byte, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("打开音频文件失败: %w", err)
	}
	defer f.Close()

	reader := wav.NewReader(f)
	format, err := reader.Format()
	if err != nil {
		return nil, 0, fmt.Errorf("读取wav头失败: %w", err)
	}

	pcm, err := readMonoPCM(reader, int(format.NumChannels))
	if err != nil {
		return nil, 0, err
	}
	if int(format.SampleRate) != opusSampleRate {
		pcm = resampleNearest(pcm, int(format.SampleRate), opusSampleRate)
	}

	enc, err := opus.NewEncoder(opusSampleRate, opusChannels, opus.AppVoIP)
	if err != nil {
		return nil, 0, fmt.Errorf("创建opus编码器失败: %w", err)
	}

	duration := float64(len(pcm)) / float64(opusSampleRate)
	frames := make([][]byte, 0, len(pcm)/opusFrameSamples+1)
	buf := make([]byte, 4000)
	for start := 0; start < len(pcm); start += opusFrameSamples {
		end := start + opusFrameSamples
		frame := make([]int16, opusFrameSamples)
		if end > len(pcm) {
			// 末帧补零到整帧
			copy(frame, pcm[start:])
		} else {
			copy(frame, pcm[start:end])
		}
		n, err := enc.Encode(frame, buf)
		if err != nil {
			return nil, 0, fmt.Errorf("opus编码失败: %w", err)
		}
		encoded := make([]byte, n)
		copy(encoded, buf[:n])
		frames = append(frames, encoded)
	}
	return frames, duration, nil
}

func readMonoPCM(reader *wav.Reader, channels int) ([]int16, error) {
	if channels <= 0 {
		channels = 1
	}
	var pcm []int16
	for {
		samples, err := reader.ReadSamples(2048)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取wav采样失败: %w", err)
		}
		for _, s := range samples {
			// 多声道时取左声道
			pcm = append(pcm, int16(reader.IntValue(s, 0)))
		}
	}
	return pcm, nil
}

func resampleNearest(pcm []int16, from, to int) []int16 {
	if from == to || from <= 0 {
		return pcm
	}
	outLen := len(pcm) * to / from
	out := make([]int16, outLen)
	for i := range out {
		out[i] = pcm[i*from/to]
	}
	return out
}
